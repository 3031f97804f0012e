package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"DEBUG", "console", false},
		{"warn", "", false},
		{"loud", "json", true},
	} {
		logger, err := New(tc.level, tc.format)
		if tc.wantErr {
			if err == nil {
				t.Errorf("New(%q, %q): expected error", tc.level, tc.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q, %q): %v", tc.level, tc.format, err)
			continue
		}
		_ = logger.Sync()
	}

	logger, _ := New("warn", "json")
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled at warn level")
	}
}
