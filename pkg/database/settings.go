// Package database provides per-butler PostgreSQL pool management and
// migration chains.
package database

import (
	"fmt"
	"net/url"
	"os"
)

// Settings holds DSN resolution inputs. DATABASE_URL, when set, wins over
// the individual POSTGRES_* variables; the database name is always swapped
// in per pool, since every butler owns several databases on one server.
type Settings struct {
	DatabaseURL string
	Host        string
	Port        string
	User        string
	Password    string

	SharedDBName       string
	LegacySharedDBName string

	// SwitchboardDBName is where the central audit table lives.
	SwitchboardDBName string
}

// LoadSettingsFromEnv resolves connection settings from the environment.
func LoadSettingsFromEnv() Settings {
	return Settings{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Host:               getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:               getEnvOrDefault("POSTGRES_PORT", "5432"),
		User:               getEnvOrDefault("POSTGRES_USER", "butlers"),
		Password:           getEnvOrDefault("POSTGRES_PASSWORD", "butlers"),
		SharedDBName:       getEnvOrDefault("BUTLER_SHARED_DB_NAME", "butler_shared"),
		LegacySharedDBName: getEnvOrDefault("BUTLER_LEGACY_SHARED_DB_NAME", "butler_general"),
		SwitchboardDBName:  getEnvOrDefault("BUTLER_SWITCHBOARD_DB_NAME", "butler_switchboard"),
	}
}

// DSN returns a connection string for dbName.
func (s Settings) DSN(dbName string) string {
	if s.DatabaseURL != "" {
		if u, err := url.Parse(s.DatabaseURL); err == nil {
			u.Path = "/" + dbName
			return u.String()
		}
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port, dbName)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
