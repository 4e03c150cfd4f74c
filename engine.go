package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/moby/locker"
)

// engine owns the domain lifecycle. Provider calls always happen before the
// ledger write that records their outcome.
type engine struct {
	cfg      config
	pool     *endpointPool
	provider dnsProvider
	persist  *persistence
	log      *slog.Logger

	// gate is shared by mutations and held exclusively by reconciliation.
	gate   sync.RWMutex
	labels *locker.Locker
}

func newEngine(cfg config, pool *endpointPool, provider dnsProvider, persist *persistence, logger *slog.Logger) *engine {
	if pool == nil {
		pool = newEndpointPool(nil)
	}
	return &engine{
		cfg:      cfg,
		pool:     pool,
		provider: provider,
		persist:  persist,
		log:      logger.With("component", "engine"),
		labels:   locker.New(),
	}
}

// recordSet is what the provider holds for one label.
type recordSet struct {
	label string
	a     *providerRecord
	srv   *providerRecord
}

func (rs recordSet) aID() string {
	if rs.a == nil {
		return ""
	}
	return rs.a.ID
}

func (rs recordSet) srvID() string {
	if rs.srv == nil {
		return ""
	}
	return rs.srv.ID
}

func (e *engine) present(d domainRecord) domainRecord {
	if d.isCustom() {
		d.Domain = d.CustomDomain
	} else {
		d.Domain = e.cfg.publicName(d.ThirdLevelDomain)
	}
	return d
}

func (e *engine) presentAll(in []domainRecord) []domainRecord {
	for i := range in {
		in[i] = e.present(in[i])
	}
	return in
}

func (e *engine) lockLabels(labels ...string) func() {
	uniq := make([]string, 0, len(labels))
	seen := map[string]bool{}
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	for _, l := range uniq {
		e.labels.Lock(l)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			_ = e.labels.Unlock(uniq[i])
		}
	}
}

func (e *engine) createDomain(ctx context.Context, req createDomainRequest) (domainRecord, error) {
	const op = "createDomain"

	if !validUUID(req.ServerID) {
		return domainRecord{}, newError(kindInvalidInput, op, "serverId must be a UUID")
	}
	if req.CustomDomain != "" {
		return e.createCustomDomain(ctx, req)
	}

	label := strings.ToLower(strings.TrimSpace(req.ThirdLevelDomain))
	if !validLabel(label) {
		return domainRecord{}, newError(kindInvalidInput, op, "thirdLevelDomain must be a single DNS label")
	}

	target, err := e.pool.pick(e.selectorForCreate(req))
	if err != nil {
		return domainRecord{}, err
	}

	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.lockLabels(label)
	defer unlock()

	existing, err := e.persist.findByLabel(ctx, label)
	if err != nil {
		return domainRecord{}, err
	}
	if existing != nil {
		return domainRecord{}, &opError{Kind: kindAlreadyExists, Op: op, Name: e.cfg.publicName(label), Msg: "owned by domain " + existing.ID}
	}

	set, err := e.createRecordSet(ctx, label, target)
	if err != nil {
		return domainRecord{}, err
	}

	rec := domainRecord{
		ID:                  uuid.NewString(),
		ServerID:            req.ServerID,
		ThirdLevelDomain:    label,
		TargetIP:            target.IP,
		TargetPort:          target.Port,
		IPPortIndex:         target.Index,
		ProviderARecordID:   set.aID(),
		ProviderSRVRecordID: set.srvID(),
		OtherData:           req.OtherData,
	}
	if err := e.persist.insertDomain(ctx, rec); err != nil {
		e.log.Error("ledger insert failed, removing provider records", "label", label, "err", err)
		e.removeRecordSet(ctx, set)
		return domainRecord{}, err
	}

	e.log.Info("domain created", "id", rec.ID, "domain", e.cfg.publicName(label), "target", target.IP, "port", target.Port, "srv", set.srv != nil)
	return e.present(rec), nil
}

func (e *engine) createCustomDomain(ctx context.Context, req createDomainRequest) (domainRecord, error) {
	const op = "createDomain"

	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(req.CustomDomain)), ".")
	if !validDomainName(name) {
		return domainRecord{}, newError(kindInvalidInput, op, "customDomain must be a valid domain name")
	}
	if !validIPv4(req.TargetIP) {
		return domainRecord{}, newError(kindInvalidInput, op, "customDomain requires an IPv4 targetIp")
	}
	if !validPort(req.TargetPort) {
		return domainRecord{}, newError(kindInvalidInput, op, "customDomain requires targetPort between 1 and 65535")
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	rec := domainRecord{
		ID:               uuid.NewString(),
		ServerID:         req.ServerID,
		ThirdLevelDomain: strings.ToLower(strings.TrimSpace(req.ThirdLevelDomain)),
		CustomDomain:     name,
		TargetIP:         strings.TrimSpace(req.TargetIP),
		TargetPort:       req.TargetPort,
		IPPortIndex:      noPoolIndex,
		OtherData:        req.OtherData,
	}
	if err := e.persist.insertDomain(ctx, rec); err != nil {
		return domainRecord{}, err
	}

	e.log.Info("custom domain registered", "id", rec.ID, "domain", name)
	return e.present(rec), nil
}

func (e *engine) selectorForCreate(req createDomainRequest) endpointSelector {
	switch {
	case req.IPPortIndex != nil && *req.IPPortIndex >= 0:
		return poolIndex(*req.IPPortIndex)
	case req.IPPortIndex != nil:
		return explicitPort(e.cfg.DefaultEndpointIndex, req.ServerPort)
	case req.TargetIP != "":
		return directTarget(strings.TrimSpace(req.TargetIP), req.TargetPort)
	case req.ServerPort > 0:
		return explicitPort(e.cfg.DefaultEndpointIndex, req.ServerPort)
	default:
		return poolIndex(e.cfg.DefaultEndpointIndex)
	}
}

func (e *engine) selectorForUpdate(cur domainRecord, req updateDomainRequest) endpointSelector {
	port := cur.TargetPort
	if req.ServerPort > 0 {
		port = req.ServerPort
	}
	switch {
	case req.IPPortIndex != nil && *req.IPPortIndex >= 0:
		return poolIndex(*req.IPPortIndex)
	case req.IPPortIndex != nil:
		return explicitPort(e.cfg.DefaultEndpointIndex, port)
	case cur.IPPortIndex >= 0:
		return poolIndex(cur.IPPortIndex)
	default:
		return directTarget(cur.TargetIP, port)
	}
}

// createRecordSet creates the A record and, for reserved labels, the SRV
// record. A failed SRV create removes the A record again.
func (e *engine) createRecordSet(ctx context.Context, label string, target resolvedTarget) (recordSet, error) {
	name := e.cfg.publicName(label)
	set := recordSet{label: label}

	a, err := e.provider.createARecord(ctx, name, target.IP)
	if err != nil {
		return recordSet{}, withRecord(err, name, recordTypeA)
	}
	set.a = &a

	if !e.cfg.isReserved(label) {
		return set, nil
	}

	srv, err := e.provider.createSRVRecord(ctx, label, target.Port, e.cfg.DefaultSuffix)
	if err != nil {
		if derr := e.provider.deleteRecord(ctx, a.ID); derr != nil {
			e.log.Error("compensating delete of A record failed", "name", name, "id", a.ID, "err", derr)
		}
		return recordSet{}, withRecord(err, e.cfg.srvName(label), recordTypeSRV)
	}
	set.srv = &srv
	return set, nil
}

// removeRecordSet deletes whatever set holds, logging failures.
func (e *engine) removeRecordSet(ctx context.Context, set recordSet) {
	for _, r := range []*providerRecord{set.srv, set.a} {
		if r == nil {
			continue
		}
		if err := e.provider.deleteRecord(ctx, r.ID); err != nil {
			e.log.Error("provider cleanup failed", "label", set.label, "type", r.Type, "id", r.ID, "err", err)
		}
	}
}

// lookupRecordSet finds the provider records currently serving label.
func (e *engine) lookupRecordSet(ctx context.Context, label string) (recordSet, error) {
	name := e.cfg.publicName(label)
	set := recordSet{label: label}

	a, err := e.provider.findRecord(ctx, name, recordTypeA)
	if err != nil {
		return recordSet{}, err
	}
	set.a = a

	if e.cfg.isReserved(label) {
		srv, err := e.provider.findRecord(ctx, name, recordTypeSRV)
		if err != nil {
			return recordSet{}, err
		}
		set.srv = srv
	}
	return set, nil
}

func (e *engine) updateDomain(ctx context.Context, id string, req updateDomainRequest) (domainRecord, error) {
	const op = "updateDomain"

	e.gate.RLock()
	defer e.gate.RUnlock()

	for {
		cur, err := e.persist.getDomain(ctx, id)
		if err != nil {
			return domainRecord{}, err
		}
		if cur.isCustom() {
			return domainRecord{}, &opError{Kind: kindCustomDomainImmutable, Op: op, Name: cur.CustomDomain}
		}

		newLabel, err := updatedLabel(op, cur, req)
		if err != nil {
			return domainRecord{}, err
		}
		if _, err := e.pool.pick(e.selectorForUpdate(cur, req)); err != nil {
			return domainRecord{}, err
		}

		unlock := e.lockLabels(cur.ThirdLevelDomain, newLabel)

		// re-read under the label lock; a concurrent rename or delete may have won
		fresh, err := e.persist.getDomain(ctx, id)
		if err != nil {
			unlock()
			return domainRecord{}, err
		}
		if fresh.ThirdLevelDomain != cur.ThirdLevelDomain {
			unlock()
			continue
		}

		out, err := e.applyUpdate(ctx, fresh, req)
		unlock()
		return out, err
	}
}

func updatedLabel(op string, cur domainRecord, req updateDomainRequest) (string, error) {
	if req.ThirdLevelDomain == nil {
		return cur.ThirdLevelDomain, nil
	}
	label := strings.ToLower(strings.TrimSpace(*req.ThirdLevelDomain))
	if !validLabel(label) {
		return "", newError(kindInvalidInput, op, "thirdLevelDomain must be a single DNS label")
	}
	return label, nil
}

// applyUpdate replaces the record set of cur. The caller holds the locks for
// both the current and the requested label.
func (e *engine) applyUpdate(ctx context.Context, cur domainRecord, req updateDomainRequest) (domainRecord, error) {
	const op = "updateDomain"
	id := cur.ID

	newLabel, err := updatedLabel(op, cur, req)
	if err != nil {
		return domainRecord{}, err
	}
	target, err := e.pool.pick(e.selectorForUpdate(cur, req))
	if err != nil {
		return domainRecord{}, err
	}

	renamed := newLabel != cur.ThirdLevelDomain
	if renamed {
		if err := e.ensureLabelFree(ctx, op, newLabel); err != nil {
			return domainRecord{}, err
		}
	}

	old, err := e.lookupRecordSet(ctx, cur.ThirdLevelDomain)
	if err != nil {
		return domainRecord{}, err
	}
	oldName := e.cfg.publicName(cur.ThirdLevelDomain)
	if old.a == nil {
		return domainRecord{}, &opError{Kind: kindNotFoundRemote, Op: op, Name: oldName, RecordType: recordTypeA}
	}
	if e.cfg.isReserved(cur.ThirdLevelDomain) && old.srv == nil {
		return domainRecord{}, &opError{Kind: kindNotFoundRemote, Op: op, Name: oldName, RecordType: recordTypeSRV}
	}

	for _, r := range []*providerRecord{old.srv, old.a} {
		if r == nil {
			continue
		}
		if err := e.provider.deleteRecord(ctx, r.ID); err != nil {
			return domainRecord{}, withRecord(err, oldName, r.Type)
		}
	}

	set, err := e.createRecordSet(ctx, newLabel, target)
	if err != nil {
		e.log.Error("record set removed but recreate failed", "id", id, "old", oldName, "new", e.cfg.publicName(newLabel), "err", err)
		return domainRecord{}, err
	}

	updated := cur
	updated.ThirdLevelDomain = newLabel
	updated.TargetIP = target.IP
	updated.TargetPort = target.Port
	updated.IPPortIndex = target.Index
	updated.ProviderARecordID = set.aID()
	updated.ProviderSRVRecordID = set.srvID()
	if req.OtherData != nil {
		updated.OtherData = req.OtherData
	}

	if err := e.persist.updateDomain(ctx, updated); err != nil {
		e.log.Error("ledger update failed after provider update", "id", id, "a", set.aID(), "srv", set.srvID(), "err", err)
		return domainRecord{}, err
	}

	e.log.Info("domain updated", "id", id, "domain", e.cfg.publicName(newLabel), "target", target.IP, "port", target.Port)
	return e.present(updated), nil
}

// ensureLabelFree rejects a label that is taken locally or remotely.
func (e *engine) ensureLabelFree(ctx context.Context, op, label string) error {
	name := e.cfg.publicName(label)

	existing, err := e.persist.findByLabel(ctx, label)
	if err != nil {
		return err
	}
	if existing != nil {
		return &opError{Kind: kindAlreadyExists, Op: op, Name: name, Msg: "owned by domain " + existing.ID}
	}

	remote, err := e.provider.findRecord(ctx, name, recordTypeA)
	if err != nil {
		return err
	}
	if remote != nil {
		return &opError{Kind: kindAlreadyExists, Op: op, Name: name, RecordType: recordTypeA}
	}
	return nil
}

// deleteDomain reports false when id is unknown. Records already missing at
// the provider count as deleted.
func (e *engine) deleteDomain(ctx context.Context, id string) (bool, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	cur, err := e.persist.getDomain(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !cur.isCustom() {
		unlock := e.lockLabels(cur.ThirdLevelDomain)
		defer unlock()

		if err := e.deleteRemote(ctx, cur.ThirdLevelDomain); err != nil {
			return false, err
		}
	}

	deleted, err := e.persist.deleteDomain(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		e.log.Info("domain deleted", "id", id, "domain", e.present(cur).Domain)
	}
	return deleted, nil
}

func (e *engine) deleteRemote(ctx context.Context, label string) error {
	set, err := e.lookupRecordSet(ctx, label)
	if err != nil {
		return err
	}

	name := e.cfg.publicName(label)
	if set.a == nil {
		e.log.Warn("A record already absent at provider", "name", name)
	}
	if e.cfg.isReserved(label) && set.srv == nil {
		e.log.Warn("SRV record already absent at provider", "name", name)
	}

	for _, r := range []*providerRecord{set.srv, set.a} {
		if r == nil {
			continue
		}
		if err := e.provider.deleteRecord(ctx, r.ID); err != nil {
			return withRecord(err, name, r.Type)
		}
	}
	return nil
}

func (e *engine) getDomain(ctx context.Context, id string) (domainRecord, error) {
	d, err := e.persist.getDomain(ctx, id)
	if err != nil {
		return domainRecord{}, err
	}
	return e.present(d), nil
}

func (e *engine) listDomains(ctx context.Context) ([]domainRecord, error) {
	out, err := e.persist.listDomains(ctx)
	if err != nil {
		return nil, err
	}
	return e.presentAll(out), nil
}

func (e *engine) listByServer(ctx context.Context, serverID string) ([]domainRecord, error) {
	if !validUUID(serverID) {
		return nil, newError(kindInvalidInput, "listByServer", "serverId must be a UUID")
	}
	out, err := e.persist.listDomainsByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return e.presentAll(out), nil
}

// listByLabel returns the non-custom domain for label, if any, as a list.
func (e *engine) listByLabel(ctx context.Context, label string) ([]domainRecord, error) {
	d, err := e.persist.findByLabel(ctx, strings.ToLower(strings.TrimSpace(label)))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return []domainRecord{}, nil
	}
	return []domainRecord{e.present(*d)}, nil
}

func (e *engine) listFixedEndpoints() []endpointPoolEntry {
	return e.pool.all()
}
