package cfg

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIRM_TIMEOUT", "")
	t.Setenv("SETTLEMENT_RETRY_ATTEMPTS", "")
	t.Setenv("HTTP_PORT", "")

	conf := LoadConfig()
	if conf.HTTPPort != "8084" {
		t.Errorf("HTTPPort = %q, want 8084", conf.HTTPPort)
	}
	if conf.LedgerConfirmTimeout != 2*time.Minute {
		t.Errorf("LedgerConfirmTimeout = %s, want 2m", conf.LedgerConfirmTimeout)
	}
	if conf.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", conf.RetryAttempts)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("LEDGER_CHAIN_ID", "11155111")
	t.Setenv("LEDGER_CONFIRM_TIMEOUT", "45s")
	t.Setenv("SETTLEMENT_INTENT_STALE_AFTER", "30m")
	t.Setenv("KAFKA_TOPIC", "escrow-events")

	conf := LoadConfig()
	if conf.LedgerChainID != 11155111 {
		t.Errorf("LedgerChainID = %d", conf.LedgerChainID)
	}
	if conf.LedgerConfirmTimeout != 45*time.Second {
		t.Errorf("LedgerConfirmTimeout = %s", conf.LedgerConfirmTimeout)
	}
	if conf.IntentStaleAfter != 30*time.Minute {
		t.Errorf("IntentStaleAfter = %s", conf.IntentStaleAfter)
	}
	if conf.KafkaTopic != "escrow-events" {
		t.Errorf("KafkaTopic = %q", conf.KafkaTopic)
	}
}

func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	t.Setenv("LEDGER_CHAIN_ID", "mainnet")
	t.Setenv("SETTLEMENT_RETRY_BACKOFF", "-1s")

	conf := LoadConfig()
	if conf.LedgerChainID != 0 {
		t.Errorf("LedgerChainID = %d, want fallback 0", conf.LedgerChainID)
	}
	if conf.RetryBackoff != 2*time.Second {
		t.Errorf("RetryBackoff = %s, want fallback 2s", conf.RetryBackoff)
	}
}
