package db

import (
	"fmt"
	"strings"
	"testing"

	"github.com/zulandar/modmail/internal/config"
	"github.com/zulandar/modmail/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{User: "root", Host: "127.0.0.1", Port: 3306, Name: "modmail"},
			want: []string{"root@tcp(127.0.0.1:3306)/modmail?", "parseTime=true", "charset=utf8mb4"},
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{User: "mm", Password: "pw", Host: "db.internal", Port: 3307, Name: "mm_prod"},
			want: []string{"mm:pw@tcp(db.internal:3307)/mm_prod?", "parseTime=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_MySQLError(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(config.DatabaseConfig{Driver: "mysql", User: "root", Host: "127.0.0.1", Port: 1, Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestConnect_SQLite(t *testing.T) {
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 8 {
		t.Errorf("AllModels() returned %d models, want 8", got)
	}
}

func TestIsDuplicate(t *testing.T) {
	db, err := OpenTest()
	if err != nil {
		t.Fatalf("OpenTest: %v", err)
	}
	reply := models.StandardReply{Name: "greeting", Reply: "hi"}
	if err := db.Create(&reply).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := models.StandardReply{Name: "greeting", Reply: "hello"}
	err = db.Create(&dup).Error
	if !IsDuplicate(err) {
		t.Errorf("IsDuplicate(%v) = false, want true", err)
	}

	if IsDuplicate(nil) {
		t.Error("IsDuplicate(nil) = true")
	}
	if IsDuplicate(fmt.Errorf("boom")) {
		t.Error("IsDuplicate(plain error) = true")
	}
}
