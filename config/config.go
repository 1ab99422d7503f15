package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Log            LogConfig
	Store          StoreConfig
	Redis          RedisConfig
	Mongo          MongoConfig
	Session        SessionConfig
	Media          MediaConfig
}

type LogConfig struct {
	Level string
	File  string
}

// StoreConfig selects the signaling backend: memory, redis or mongo.
type StoreConfig struct {
	Backend string
	Root    string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type MongoConfig struct {
	URI      string
	Database string
}

type SessionConfig struct {
	Username        string
	MaxParticipants int
	UIDRetryLimit   int
	STUNURLs        []string
}

// MediaConfig holds the UDP addresses RTP is ingested from. An empty
// address disables that track.
type MediaConfig struct {
	VideoAddr        string
	AudioAddr        string
	DisplayVideoAddr string
	DisplayAudioAddr string
}

// Load reads the environment, after merging in a .env file if one exists.
// Variables already set win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "memory"),
			Root:    getEnv("STORE_ROOT", "rooms"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database: getEnv("MONGO_DATABASE", "meshchat"),
		},
		Session: SessionConfig{
			Username:        os.Getenv("CHAT_USERNAME"),
			MaxParticipants: getEnvInt("MAX_PARTICIPANTS", 4),
			UIDRetryLimit:   getEnvInt("UID_RETRY_LIMIT", 8),
			STUNURLs:        getEnvList("STUN_URLS", "stun:stun.l.google.com:19302"),
		},
		Media: MediaConfig{
			VideoAddr:        getEnv("MEDIA_VIDEO_ADDR", "127.0.0.1:5004"),
			AudioAddr:        getEnv("MEDIA_AUDIO_ADDR", "127.0.0.1:5006"),
			DisplayVideoAddr: getEnv("DISPLAY_VIDEO_ADDR", "127.0.0.1:5008"),
			DisplayAudioAddr: os.Getenv("DISPLAY_AUDIO_ADDR"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, s := range strings.Split(getEnv(key, defaultValue), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
