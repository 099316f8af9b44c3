package capability

import "testing"

// TestProbeModes tests configuration overrides of the probe
func TestProbeModes(t *testing.T) {
	tests := []struct {
		mode          string
		wantErr       bool
		wantSupported *bool
	}{
		{mode: "supported", wantSupported: boolPtr(true)},
		{mode: "unsupported", wantSupported: boolPtr(false)},
		{mode: "auto"},
		{mode: ""},
		{mode: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			c, err := Probe(tt.mode)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantSupported != nil && c.Supported != *tt.wantSupported {
				t.Errorf("Probe(%q).Supported = %v, want %v", tt.mode, c.Supported, *tt.wantSupported)
			}
			if c.Platform == "" {
				t.Error("Probe() platform is empty")
			}
			if !c.Supported && c.Reason == "" {
				t.Error("unsupported result should carry a reason")
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
