package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func insertRow(t *testing.T, e *engine, d domainRecord) {
	t.Helper()
	if err := e.persist.insertDomain(context.Background(), d); err != nil {
		t.Fatalf("insertDomain %s: %v", d.ID, err)
	}
}

func TestReconcileScenario(t *testing.T) {
	e, cf := newTestEngine(t)
	ctx := context.Background()

	aMC1 := cf.seed(providerRecord{Type: recordTypeA, Name: "mc1.example.com", Content: "203.0.113.1", TTL: 1})
	srvMC1 := cf.seed(providerRecord{Type: recordTypeSRV, Name: "_minecraft._tcp.mc1.example.com", Data: &srvData{Port: 25565, Target: "mc1.example.com"}, TTL: 1})
	cf.seed(providerRecord{Type: recordTypeA, Name: "mc2.example.com", Content: "203.0.113.2", TTL: 1})
	cf.seed(providerRecord{Type: recordTypeA, Name: "example.com", Content: "203.0.113.100", TTL: 1})
	cf.seed(providerRecord{Type: "TXT", Name: "mc1.example.com", Content: "v=spf1 -all", TTL: 1})

	insertRow(t, e, domainRecord{ID: "row-mc1", ServerID: testServerID, ThirdLevelDomain: "mc1", TargetIP: "192.0.2.99", TargetPort: 25565, IPPortIndex: 0, ProviderARecordID: "stale-a"})
	insertRow(t, e, domainRecord{ID: "row-mc3", ServerID: testServerID, ThirdLevelDomain: "mc3", TargetIP: "192.0.2.10", TargetPort: 25565, IPPortIndex: 0, ProviderARecordID: "old-a", ProviderSRVRecordID: "old-srv"})
	insertRow(t, e, domainRecord{ID: "row-custom", ServerID: testServerID, CustomDomain: "play.example.org", TargetIP: "198.51.100.5", TargetPort: 25565, IPPortIndex: noPoolIndex})

	report, err := e.reconcileFromProvider(ctx)
	if err != nil {
		t.Fatalf("reconcileFromProvider: %v", err)
	}
	if report.Updated != 1 || report.Pruned != 1 || report.RemoteOnly != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.RemoteLabels != 2 {
		t.Fatalf("expected 2 remote labels, got %d", report.RemoteLabels)
	}

	mc1, err := e.getDomain(ctx, "row-mc1")
	if err != nil {
		t.Fatalf("mc1 row: %v", err)
	}
	if mc1.TargetIP != "203.0.113.1" || mc1.ProviderARecordID != aMC1.ID || mc1.ProviderSRVRecordID != srvMC1.ID {
		t.Fatalf("mc1 not overwritten from provider: %+v", mc1)
	}
	if mc1.TargetPort != 25565 {
		t.Fatalf("target port must not change, got %d", mc1.TargetPort)
	}

	if _, err := e.getDomain(ctx, "row-mc3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mc3 should be pruned, got %v", err)
	}

	custom, err := e.getDomain(ctx, "row-custom")
	if err != nil {
		t.Fatalf("custom row: %v", err)
	}
	if custom.TargetIP != "198.51.100.5" {
		t.Fatalf("custom row modified: %+v", custom)
	}

	all, _ := e.listDomains(ctx)
	for _, d := range all {
		if d.ThirdLevelDomain == "mc2" {
			t.Fatal("remote-only labels must not be imported")
		}
	}

	if n := cf.callCount("POST") + cf.callCount("DELETE"); n != 0 {
		t.Fatalf("reconcile must not mutate the provider, got %d calls", n)
	}
}

func TestReconcileKeepsLocalIDsWhenTypeMissing(t *testing.T) {
	e, cf := newTestEngine(t)
	ctx := context.Background()

	srv := cf.seed(providerRecord{Type: recordTypeSRV, Name: "_minecraft._tcp.mc5.example.com", Data: &srvData{Port: 25565, Target: "mc5.example.com."}})
	insertRow(t, e, domainRecord{ID: "row-mc5", ServerID: testServerID, ThirdLevelDomain: "mc5", TargetIP: "192.0.2.10", TargetPort: 25565, ProviderARecordID: "local-a"})

	if _, err := e.reconcileFromProvider(ctx); err != nil {
		t.Fatalf("reconcileFromProvider: %v", err)
	}
	got, err := e.getDomain(ctx, "row-mc5")
	if err != nil {
		t.Fatalf("row should survive with only an SRV remotely: %v", err)
	}
	if got.ProviderARecordID != "local-a" || got.ProviderSRVRecordID != srv.ID || got.TargetIP != "192.0.2.10" {
		t.Fatalf("unexpected row after reconcile: %+v", got)
	}
}

func TestReconcileAbortsOnFetchFailure(t *testing.T) {
	e, cf := newTestEngine(t)
	ctx := context.Background()

	insertRow(t, e, domainRecord{ID: "row-keep", ServerID: testServerID, ThirdLevelDomain: "mc8", TargetIP: "192.0.2.10", TargetPort: 25565})
	cf.failNext("GET", http.StatusServiceUnavailable)

	if _, err := e.reconcileFromProvider(ctx); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
	if _, err := e.getDomain(ctx, "row-keep"); err != nil {
		t.Fatalf("nothing may be pruned after a failed fetch: %v", err)
	}
}

func TestGroupByLabelSkipsForeignAndMalformed(t *testing.T) {
	e, _ := newTestEngine(t)

	groups, skipped := e.groupByLabel([]providerRecord{
		{ID: "1", Type: "A", Name: "mc1.example.com", Content: "192.0.2.1"},
		{ID: "2", Type: "SRV", Name: "_minecraft._tcp.mc1.example.com", Data: &srvData{Target: "MC1.example.com."}},
		{ID: "3", Type: "A", Name: "other.net", Content: "192.0.2.2"},
		{ID: "4", Type: "SRV", Name: "_minecraft._tcp.bad.example.com"},
		{ID: "5", Type: "A", Name: "deep.sub.example.com", Content: "192.0.2.3"},
		{ID: "6", Type: "CNAME", Name: "www.example.com", Content: "example.com"},
	})
	if len(groups) != 1 {
		t.Fatalf("expected a single label, got %#v", groups)
	}
	g := groups["mc1"]
	if g == nil || g.a == nil || g.a.ID != "1" || g.srv == nil || g.srv.ID != "2" {
		t.Fatalf("unexpected mc1 group: %#v", g)
	}
	if skipped != 3 {
		t.Fatalf("expected 3 skipped records, got %d", skipped)
	}
}
