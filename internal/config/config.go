package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"qrattendance/internal/clock"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string
	LogLevel string

	DatabaseURL     string
	AutoMigrate     bool
	RedisAddr       string
	QueueBackend    string
	QueueKey        string
	FeedSize        int
	RateLimitPerMin int

	JWTIssuer             string
	JWTSigningKey         string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	DeviceRegistrationKey string

	Window   clock.Window
	Cooldown time.Duration
	Location *time.Location

	ScanSource string
	MJPEGURL   string
	SourceName string

	QRDir          string
	ReportsDir     string
	ReportSchedule string

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string
}

// Load reads a .env file when present and returns application config populated from
// environment variables with sensible defaults.
func Load() App {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}

	home, _ := os.UserHomeDir()
	docs := filepath.Join(home, "Documents")
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "kiosk"
	}

	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     getEnv("DATABASE_URL", "attendance.db"),
		AutoMigrate:     boolEnv("DB_AUTOMIGRATE", true),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend:    getEnv("QUEUE_BACKEND", "memory"),
		QueueKey:        getEnv("QUEUE_KEY", "attendance:scans"),
		FeedSize:        intEnv("FEED_SIZE", 100),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),

		JWTIssuer:             getEnv("JWT_ISSUER", "attendance-kiosk"),
		JWTSigningKey:         getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:             durationEnv("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:            durationEnv("REFRESH_TTL", 24*time.Hour),
		DeviceRegistrationKey: getEnv("DEVICE_REGISTRATION_KEY", ""),

		Window:   windowEnv("WINDOW_START", "WINDOW_END", "07:00", "10:00"),
		Cooldown: durationEnv("SCAN_COOLDOWN", 3*time.Second),
		Location: locationEnv("TIMEZONE", time.Local),

		ScanSource: getEnv("SCAN_SOURCE", "none"),
		MJPEGURL:   getEnv("MJPEG_URL", ""),
		SourceName: getEnv("SOURCE_NAME", hostname),

		QRDir:          expandHome(getEnv("QR_DIR", filepath.Join(docs, "QR_ATTENDANCE")), home),
		ReportsDir:     expandHome(getEnv("REPORTS_DIR", filepath.Join(docs, "ATTENDANCE_REPORTS")), home),
		ReportSchedule: getEnv("REPORT_SCHEDULE", ""),

		CloudinaryCloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		CloudinaryFolder:    getEnv("CLOUDINARY_FOLDER", "attendance-qr"),

		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", ""),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "attendance-kiosk"),
		MQTTUsername:  getEnv("MQTT_USERNAME", ""),
		MQTTPassword:  getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:     getEnv("MQTT_TOPIC", "attendance/decisions"),
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (a App) SlogLevel() slog.Level {
	switch strings.ToLower(a.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Production reports whether APP_ENV names a production deployment.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil || d < 0 {
			slog.Warn("invalid duration, using fallback", "key", key, "value", val, "fallback", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		slog.Warn("invalid bool, using fallback", "key", key, "value", val, "fallback", fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		slog.Warn("invalid int, using fallback", "key", key, "value", val, "fallback", fallback)
	}
	return fallback
}

func windowEnv(startKey, endKey, startFallback, endFallback string) clock.Window {
	fallback, _ := clock.ParseWindow(startFallback, endFallback)
	w, err := clock.ParseWindow(getEnv(startKey, startFallback), getEnv(endKey, endFallback))
	if err != nil {
		slog.Warn("invalid check-in window, using fallback", "error", err, "fallback", fallback.String())
		return fallback
	}
	if w.End.Before(w.Start) {
		slog.Warn("check-in window ends before it starts and will accept nothing", "window", w.String())
	}
	return w
}

func locationEnv(key string, fallback *time.Location) *time.Location {
	val := os.Getenv(key)
	if val == "" || val == "Local" {
		return fallback
	}
	loc, err := time.LoadLocation(val)
	if err != nil {
		slog.Warn("invalid timezone, using fallback", "key", key, "value", val, "error", err)
		return fallback
	}
	return loc
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
