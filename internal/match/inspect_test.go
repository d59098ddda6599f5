package match

import (
	"testing"
	"time"

	"github.com/finrecon/recond/internal/models"
)

func TestInspectPairCleanPair(t *testing.T) {
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, nil),
	}
	if found := newTestEngine().InspectPair(m); len(found) != 0 {
		t.Errorf("clean pair produced breaks: %+v", found)
	}
}

func TestInspectPairSettlementDateMismatch(t *testing.T) {
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, func(tr *models.Trade) {
			tr.SettlementDate = tr.SettlementDate.Add(24 * time.Hour)
		}),
	}
	found := newTestEngine().InspectPair(m)
	if len(found) != 1 || found[0].Type != models.BreakSettlementDateMismatch {
		t.Fatalf("expected settlement mismatch, got %+v", found)
	}
	if found[0].Severity != models.SeverityLow {
		t.Errorf("severity = %s, want low", found[0].Severity)
	}
	if found[0].ExpectedValue != "2026-08-26" || found[0].ActualValue != "2026-08-27" {
		t.Errorf("dates = %q / %q", found[0].ExpectedValue, found[0].ActualValue)
	}
}

func TestInspectPairCounterpartyAndAccount(t *testing.T) {
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, func(tr *models.Trade) {
			tr.Counterparty = "GOLDMAN SACHS INTL"
			tr.Account = "ACC-2"
		}),
	}
	found := newTestEngine().InspectPair(m)
	if len(found) != 2 {
		t.Fatalf("expected 2 breaks, got %+v", found)
	}
	if found[0].Type != models.BreakCounterpartyMismatch || found[0].Severity != models.SeverityHigh {
		t.Errorf("first break = %+v", found[0])
	}
	if found[1].Type != models.BreakAccountMismatch {
		t.Errorf("second break = %+v", found[1])
	}
}

func TestInspectPairEmptyAccountIgnored(t *testing.T) {
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, func(tr *models.Trade) {
			tr.Account = ""
		}),
	}
	if found := newTestEngine().InspectPair(m); len(found) != 0 {
		t.Errorf("one-sided empty account should not break: %+v", found)
	}
}

func TestInspectPairCurrencyMismatch(t *testing.T) {
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, func(tr *models.Trade) {
			tr.Currency = "EUR"
		}),
	}
	found := newTestEngine().InspectPair(m)
	if len(found) != 1 || found[0].Type != models.BreakCurrencyMismatch {
		t.Fatalf("expected currency mismatch, got %+v", found)
	}
}

func TestInspectPairHighSeverityPriceDrift(t *testing.T) {
	// 6% drift would never survive the match gates; InspectPair is also used
	// on pairs force-linked by operators, so the grading still applies.
	m := Match{
		Internal: makeTrade("INT-1", models.SourceInternal, nil),
		External: makeTrade("EXT-1", models.SourceBrokerA, func(tr *models.Trade) {
			tr.Price = mustDec("200.87")
		}),
	}
	found := newTestEngine().InspectPair(m)
	if len(found) != 1 || found[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high severity price break, got %+v", found)
	}
}
