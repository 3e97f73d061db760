package models

import (
	"testing"
)

func TestSyncJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		from     SyncJobStatus
		to       SyncJobStatus
		expected bool
	}{
		{"claim", JobStatusPending, JobStatusProcessing, true},
		{"cancel queued", JobStatusPending, JobStatusCancelled, true},
		{"complete", JobStatusProcessing, JobStatusCompleted, true},
		{"fail", JobStatusProcessing, JobStatusFailed, true},
		{"retry", JobStatusProcessing, JobStatusPending, true},
		{"cancel running", JobStatusProcessing, JobStatusCancelled, true},
		{"pending straight to completed", JobStatusPending, JobStatusCompleted, false},
		{"completed is final", JobStatusCompleted, JobStatusPending, false},
		{"failed is final", JobStatusFailed, JobStatusProcessing, false},
		{"cancelled is final", JobStatusCancelled, JobStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.expected {
				t.Errorf("Expected %s -> %s allowed=%v, got %v", tt.from, tt.to, tt.expected, got)
			}
		})
	}
}

func TestSyncJobStatus_Terminal(t *testing.T) {
	for _, s := range []SyncJobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []SyncJobStatus{JobStatusPending, JobStatusProcessing} {
		if s.Terminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

func TestParseJobStatus_RejectsUnknown(t *testing.T) {
	if _, err := ParseJobStatus("running"); err == nil {
		t.Fatal("Expected error for unknown status")
	}
	st, err := ParseJobStatus("processing")
	if err != nil || st != JobStatusProcessing {
		t.Errorf("Expected processing, got %s (%v)", st, err)
	}
}

func TestSyncJob_CanRetry(t *testing.T) {
	job := SyncJob{RetryCount: 2, MaxRetries: DefaultMaxRetries}
	if !job.CanRetry() {
		t.Error("Expected job with 2/3 retries to be retryable")
	}
	job.RetryCount = 3
	if job.CanRetry() {
		t.Error("Expected job with 3/3 retries not to be retryable")
	}
}

func TestSyncResult_ScanRoundTrip(t *testing.T) {
	var r SyncResult
	if err := r.Scan([]byte(`{"synced":9,"skipped":0,"errors":1}`)); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if r.Synced != 9 || r.Errors != 1 {
		t.Errorf("Unexpected result %+v", r)
	}

	r.Add(SyncResult{Synced: 1, Skipped: 2})
	if r.Synced != 10 || r.Skipped != 2 {
		t.Errorf("Unexpected accumulated result %+v", r)
	}
}
