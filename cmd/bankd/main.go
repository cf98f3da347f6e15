package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	bank "github.com/offlinepay/bank"
	"github.com/offlinepay/bank/audit"
	"github.com/offlinepay/bank/idempotency"
	"github.com/offlinepay/bank/keys"
	"github.com/offlinepay/bank/postgres"
	"github.com/offlinepay/bank/settle"
	"github.com/offlinepay/bank/wallet"
)

const version = "1.0.0"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	port := os.Getenv("PORT")
	if port == "" {
		port = "4000"
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	km := keys.NewManager(os.Getenv("BANK_KEY_FILE"))
	if err := km.LoadOrGenerate(); err != nil {
		log.Fatal("key load failed", zap.Error(err))
	}

	audits := audit.NewStore(db)
	wallets := wallet.NewStore(db)
	engine := settle.NewEngine(db, audits)

	var dedup idempotency.Store
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatal("REDIS_URL parse failed", zap.Error(err))
		}
		dedup = idempotency.NewRedisStore(redis.NewClient(opts), dedupTTL())
		log.Info("idempotency store: redis")
	} else {
		dedup = idempotency.NewMemoryStore(dedupTTL())
		log.Info("idempotency store: memory")
	}

	b := bank.New(bank.Config{
		KeyManager:  km,
		Engine:      engine,
		Audit:       audits,
		Idempotency: dedup,
		Logger:      log,
	})
	instrument(b)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	endpoints := []string{
		"GET  /               - Service info",
		"GET  /health         - Health check",
		"GET  /bank-public-key - Envelope encryption key (JWK)",
		"POST /verify-ledger  - Verify a ledger submission",
		"POST /settle-ledger  - Verify and settle a ledger submission",
		"GET  /bank-logs      - Audit log, newest first",
		"GET  /wallets/:id    - Wallet lookup",
		"GET  /metrics        - Prometheus metrics",
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, bank.InfoResponse{
			Service:   "bank-settlement-core",
			Version:   version,
			Endpoints: endpoints,
		})
	})

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	r.GET("/bank-public-key", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"public_key": b.PublicJWK()})
	})

	verifyTimeout := requestTimeout(30 * time.Second)
	settleTimeout := requestTimeout(60 * time.Second)

	r.POST("/verify-ledger", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
			return
		}

		result, err := b.Verify(ctx, body)
		if err != nil {
			writeBankError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.POST("/settle-ledger", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
		defer cancel()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
			return
		}

		result, err := b.Settle(ctx, body)
		if err != nil {
			writeBankError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.GET("/bank-logs", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		limit := intQuery(c, "limit", 100)
		offset := intQuery(c, "offset", 0)
		logs, err := audits.List(ctx, limit, offset)
		if err != nil {
			log.Error("audit list failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "audit log unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"logs":   logs,
			"count":  len(logs),
			"limit":  limit,
			"offset": offset,
		})
	})

	r.GET("/wallets/:id", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		w, err := wallets.Get(ctx, c.Param("id"))
		if errors.Is(err, wallet.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		if err != nil {
			log.Error("wallet lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet lookup failed"})
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info("bank settlement core listening", zap.String("port", port))
	if err := r.Run(":" + port); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// writeBankError maps structural submission failures onto HTTP statuses.
// Verification and settlement failures are ordinary 200 responses with
// valid/settled set to false; only malformed input and internal faults
// reach here.
func writeBankError(c *gin.Context, err error) {
	var bankErr *bank.Error
	if errors.As(err, &bankErr) {
		status := http.StatusBadRequest
		if bankErr.Code == bank.ErrCodeInternal {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": bankErr.Message, "code": bankErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// requestTimeout returns the per-route budget, overridable through
// REQUEST_TIMEOUT_SECONDS for deployments behind slow databases.
func requestTimeout(fallback time.Duration) time.Duration {
	raw := os.Getenv("REQUEST_TIMEOUT_SECONDS")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func dedupTTL() time.Duration {
	raw := os.Getenv("IDEMPOTENCY_TTL_SECONDS")
	if raw == "" {
		return 10 * time.Minute
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(secs) * time.Second
}
