package models

import "testing"

func TestQueueItemTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{QueueStatusPending, false},
		{QueueStatusProcessing, false},
		{QueueStatusCompleted, true},
		{QueueStatusFailed, true},
		{QueueStatusConflicted, true},
	}

	for _, tt := range tests {
		item := QueueItem{Status: tt.status}
		if got := item.Terminal(); got != tt.want {
			t.Errorf("Terminal() for %s = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestQueueItemRetriesExhausted(t *testing.T) {
	item := QueueItem{RetryCount: 2, MaxRetries: 3}
	if item.RetriesExhausted() {
		t.Errorf("retry_count=2 max_retries=3 must not be exhausted")
	}

	item.RetryCount = 3
	if !item.RetriesExhausted() {
		t.Errorf("retry_count=3 max_retries=3 must be exhausted")
	}
}
