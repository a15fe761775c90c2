package data

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// GetMySQLDSN returns MYSQL_DSN, or a DSN assembled from MYSQL_HOST,
// MYSQL_USER, MYSQL_PASSWORD and MYSQL_DATABASE.
func GetMySQLDSN() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("MYSQL_DSN")); dsn != "" {
		return dsn, nil
	}
	host := strings.TrimSpace(os.Getenv("MYSQL_HOST"))
	if host == "" {
		return "", fmt.Errorf("neither MYSQL_DSN nor MYSQL_HOST is set")
	}
	if !strings.Contains(host, ":") {
		host += ":3306"
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = host
	cfg.User = envOr("MYSQL_USER", "govwatch")
	cfg.Passwd = os.Getenv("MYSQL_PASSWORD")
	cfg.DBName = envOr("MYSQL_DATABASE", "govwatch")
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
