package version

import "testing"

func TestBuildInfo(t *testing.T) {
	tests := []struct {
		name          string
		version       string
		commit        string
		date          string
		wantUserAgent string
	}{
		{name: "defaults", version: "dev", commit: "unknown", date: "unknown", wantUserAgent: "policyflow/dev"},
		{name: "release", version: "1.4.2", commit: "9f3c2e1", date: "2026-10-01", wantUserAgent: "policyflow/1.4.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prevVersion, prevCommit, prevDate := version, commit, date
			t.Cleanup(func() { version, commit, date = prevVersion, prevCommit, prevDate })
			version, commit, date = tt.version, tt.commit, tt.date

			if got := UserAgent(); got != tt.wantUserAgent {
				t.Errorf("UserAgent() = %q, want %q", got, tt.wantUserAgent)
			}
			if GetVersion() != tt.version || GetCommit() != tt.commit || GetDate() != tt.date {
				t.Errorf("unexpected build info %s/%s/%s", GetVersion(), GetCommit(), GetDate())
			}
		})
	}
}
