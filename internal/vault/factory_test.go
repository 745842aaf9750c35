package vault

import (
	"path/filepath"
	"testing"

	"vigil-go/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.VaultConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.VaultConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.VaultConfig{Type: "filesystem", FSVaultRoot: filepath.Join(t.TempDir(), "q")}},
		{name: "filesystem without root", cfg: config.VaultConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.VaultConfig{Type: "tape"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVaultFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if v != nil {
					t.Error("NewVaultFromConfig() should return nil on error")
				}
				return
			}
			if err := v.ValidateSetup(); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}
