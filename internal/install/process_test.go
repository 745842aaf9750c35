package install

import "testing"

func TestMatcher_IsInstaller(t *testing.T) {
	m := NewMatcher(nil)
	tests := []struct {
		name string
		proc Process
		want bool
	}{
		{"package manager", Process{Name: "dpkg", Exe: "/usr/bin/dpkg"}, true},
		{"setup prefix", Process{Name: "Setup-Tool"}, true},
		{"installer infix", Process{Name: "node", Exe: "/tmp/app-installer"}, true},
		{"keyword with installer extension", Process{Name: "sh", Exe: "/tmp/get-update.run"}, true},
		{"keyword without installer extension", Process{Name: "updatedb", Exe: "/usr/bin/updatedb"}, false},
		{"ordinary process", Process{Name: "bash", Exe: "/usr/bin/bash"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsInstaller(tt.proc); got != tt.want {
				t.Errorf("IsInstaller(%+v) = %v, want %v", tt.proc, got, tt.want)
			}
		})
	}
}

func TestMatcher_CustomPatterns(t *testing.T) {
	m := NewMatcher([]string{"Deploy*"})
	if !m.IsInstaller(Process{Name: "deploy-agent"}) {
		t.Error("custom pattern did not match case-insensitively")
	}
	if m.IsInstaller(Process{Name: "dpkg"}) {
		t.Error("custom patterns should replace the defaults")
	}
}

func TestProcfsLister_ListsSelf(t *testing.T) {
	l, err := NewProcfsLister("")
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}
	procs, err := l.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(procs) == 0 {
		t.Error("List() returned no processes")
	}
}
