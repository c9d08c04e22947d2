package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultJWTSecret = "dev-secret-change-me"

// 文档存储驱动
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// 对象存储驱动
const (
	BlobMemory     = "memory"
	BlobS3         = "s3"
	BlobCloudinary = "cloudinary"
)

// 会话索引写入方式
const (
	IndexWriteTransaction = "transaction"
	IndexWriteDual        = "dual"
)

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	ConnectTimeoutSeconds int

	StoreDriver   string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BlobDriver       string
	PublicBaseURL    string
	MaxUploadBytes   int64
	S3Region         string
	S3Bucket         string
	S3Endpoint       string
	S3PublicRead     bool
	CloudinaryURL    string
	CloudinaryFolder string

	KafkaBrokers []string
	KafkaTopic   string

	IndexWriteMode    string
	ReconcileSchedule string
	PurgeSchedule     string
	CORSOrigins       []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 读取正整数，缺失或非法时返回默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getenvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() Config {
	port := getenv("APP_PORT", "8080")
	return Config{
		Port:                  port,
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		ConnectTimeoutSeconds: getenvInt("CONNECT_TIMEOUT_SECONDS", 30),

		StoreDriver:   getenv("STORE_DRIVER", StoreMemory),
		DatabaseDSN:   getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatsync port=5432 sslmode=disable TimeZone=UTC"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getenv("MONGO_DATABASE", "chatsync"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		BlobDriver:       getenv("BLOB_DRIVER", BlobMemory),
		PublicBaseURL:    getenv("PUBLIC_BASE_URL", "http://localhost:"+port),
		MaxUploadBytes:   int64(getenvInt("MAX_UPLOAD_BYTES", 10<<20)),
		S3Region:         getenv("S3_REGION", "us-east-1"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3PublicRead:     getenvBool("S3_PUBLIC_READ", false),
		CloudinaryURL:    os.Getenv("CLOUDINARY_URL"),
		CloudinaryFolder: getenv("CLOUDINARY_FOLDER", "chatsync"),

		KafkaBrokers: getenvList("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "chatsync.events"),

		IndexWriteMode:    getenv("INDEX_WRITE_MODE", IndexWriteTransaction),
		ReconcileSchedule: getenv("RECONCILE_SCHEDULE", "@every 5m"),
		PurgeSchedule:     getenv("PURGE_SCHEDULE", "@every 1h"),
		CORSOrigins:       getenvList("CORS_ORIGINS"),
	}
}

// Validate 检查启动所需的配置组合。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required for the postgres store")
		}
	case StoreMongo:
		if cfg.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.BlobDriver {
	case BlobMemory:
	case BlobS3:
		if cfg.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 blob driver")
		}
	case BlobCloudinary:
		if cfg.CloudinaryURL == "" {
			return errors.New("CLOUDINARY_URL is required for the cloudinary blob driver")
		}
	default:
		return fmt.Errorf("unknown BLOB_DRIVER %q", cfg.BlobDriver)
	}
	switch cfg.IndexWriteMode {
	case IndexWriteTransaction, IndexWriteDual:
	default:
		return fmt.Errorf("unknown INDEX_WRITE_MODE %q", cfg.IndexWriteMode)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}
