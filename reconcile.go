package main

import (
	"context"
	"strings"
)

type reconcileReport struct {
	RemoteLabels int `json:"remoteLabels"`
	Updated      int `json:"updated"`
	Pruned       int `json:"pruned"`
	RemoteOnly   int `json:"remoteOnly"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// remoteLabel is the provider view of one label below the default suffix.
type remoteLabel struct {
	a   *providerRecord
	srv *providerRecord
}

// reconcileFromProvider makes the ledger follow the provider. Matching rows
// take the provider's target IP and record ids, rows with nothing at the
// provider are removed, and custom-domain rows are never touched. Labels
// that exist only remotely are counted but not imported.
func (e *engine) reconcileFromProvider(ctx context.Context) (reconcileReport, error) {
	e.gate.Lock()
	defer e.gate.Unlock()

	var report reconcileReport

	records, err := e.provider.listAllRecords(ctx)
	if err != nil {
		return report, err
	}

	remote, skipped := e.groupByLabel(records)
	report.RemoteLabels = len(remote)
	report.Skipped = skipped

	rows, err := e.persist.listDomains(ctx)
	if err != nil {
		return report, err
	}

	local := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.isCustom() {
			continue
		}
		local[row.ThirdLevelDomain] = true

		r, ok := remote[row.ThirdLevelDomain]
		if !ok {
			if _, err := e.persist.deleteDomain(ctx, row.ID); err != nil {
				e.log.Error("reconcile prune failed", "id", row.ID, "label", row.ThirdLevelDomain, "err", err)
				report.Failed++
				continue
			}
			e.log.Info("reconcile pruned domain missing at provider", "id", row.ID, "label", row.ThirdLevelDomain)
			report.Pruned++
			continue
		}

		targetIP := row.TargetIP
		aID := row.ProviderARecordID
		srvID := row.ProviderSRVRecordID
		if r.a != nil {
			if r.a.Content != "" {
				targetIP = r.a.Content
			}
			aID = r.a.ID
		}
		if r.srv != nil {
			srvID = r.srv.ID
		}

		if err := e.persist.setProviderState(ctx, row.ID, targetIP, nullable(aID), nullable(srvID)); err != nil {
			e.log.Error("reconcile update failed", "id", row.ID, "label", row.ThirdLevelDomain, "err", err)
			report.Failed++
			continue
		}
		report.Updated++
	}

	for label := range remote {
		if !local[label] {
			e.log.Warn("provider record has no ledger row", "label", label)
			report.RemoteOnly++
		}
	}

	e.log.Info("reconcile finished",
		"remote_labels", report.RemoteLabels,
		"updated", report.Updated,
		"pruned", report.Pruned,
		"remote_only", report.RemoteOnly,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// groupByLabel keys A records by name and SRV records by target. Records
// outside the suffix, at the apex or without SRV data are skipped.
func (e *engine) groupByLabel(records []providerRecord) (map[string]*remoteLabel, int) {
	out := map[string]*remoteLabel{}
	skipped := 0

	for i := range records {
		r := records[i]
		var name string
		switch strings.ToUpper(r.Type) {
		case recordTypeA:
			name = r.Name
		case recordTypeSRV:
			if r.Data == nil || strings.TrimSpace(r.Data.Target) == "" {
				e.log.Warn("skipping SRV record without target", "id", r.ID, "name", r.Name)
				skipped++
				continue
			}
			name = r.Data.Target
		default:
			continue
		}

		label, ok := labelUnder(name, e.cfg.DefaultSuffix)
		if !ok || strings.Contains(label, ".") {
			e.log.Debug("skipping record outside managed labels", "id", r.ID, "type", r.Type, "name", name)
			skipped++
			continue
		}

		entry := out[label]
		if entry == nil {
			entry = &remoteLabel{}
			out[label] = entry
		}
		if strings.EqualFold(r.Type, recordTypeA) {
			entry.a = &r
		} else {
			entry.srv = &r
		}
	}
	return out, skipped
}
