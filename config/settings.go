package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the runtime configuration of the settlement service, read from env (.env supported).
type Settings struct {
	Port  string
	GoEnv string

	PubSubTopic        string
	PubSubSubscription string
	AnalyticsTopic     string
	MaxOutstanding     int
	AckDeadline        time.Duration
	MinAckExtension    time.Duration
	MaxAckExtension    time.Duration
	MaxExtension       time.Duration
	PoisonMaxAttempts  int
	PoisonMaxAge       time.Duration
	DeliveryCounterTTL time.Duration
	WebhookAPIKey      string
	CorsAllowedOrigins string
	ReceiptBucket      string
	ChatResponseHosts  []string
	SettlementLockTTL  time.Duration

	WalletBaseURL          string
	WalletTokenURL         string
	WalletClientID         string
	WalletClientSecret     string
	WalletTimeout          time.Duration
	WalletPermanentStatus  int
	WalletRatePerSecond    int
	WalletAddressCacheSize int
	WalletSenderId         string

	RewardToken          string
	DefaultChainId       int64
	SignupRewardAmount   decimal.Decimal
	ReferralRewardAmount decimal.Decimal
	LinkRewardAmount     decimal.Decimal

	BatchWaveSize       int
	BatchTokenRefresh   time.Duration
	BatchWindow         time.Duration
	PendingHashMaxAge   time.Duration
	SchedulerEnabled    bool
	SignupBackfillEvery time.Duration
	LinkBackfillEvery   time.Duration
	ReconcileEvery      time.Duration
}

func LoadSettings() Settings {
	return Settings{
		Port:  firstNonEmpty(os.Getenv("PORT"), "8080"),
		GoEnv: strings.TrimSpace(os.Getenv("GO_ENV")),

		PubSubTopic:        envDefault("PUBSUB_TOPIC", "wallet-events"),
		PubSubSubscription: envDefault("PUBSUB_SUBSCRIPTION", "wallet-events-settlement"),
		AnalyticsTopic:     strings.TrimSpace(os.Getenv("ANALYTICS_TOPIC")),
		MaxOutstanding:     intFromEnv("PUBSUB_MAX_OUTSTANDING", 10),
		AckDeadline:        secondsFromEnv("PUBSUB_ACK_DEADLINE_SECONDS", 60),
		MinAckExtension:    secondsFromEnv("PUBSUB_MIN_ACK_EXTENSION_SECONDS", 10),
		MaxAckExtension:    secondsFromEnv("PUBSUB_MAX_ACK_EXTENSION_SECONDS", 600),
		MaxExtension:       secondsFromEnv("PUBSUB_MAX_EXTENSION_SECONDS", 1800),
		PoisonMaxAttempts:  intFromEnv("POISON_MAX_DELIVERY_ATTEMPTS", 2),
		PoisonMaxAge:       time.Duration(intFromEnv("POISON_MAX_AGE_HOURS", 24)) * time.Hour,
		DeliveryCounterTTL: time.Duration(intFromEnv("DELIVERY_COUNTER_TTL_HOURS", 72)) * time.Hour,
		WebhookAPIKey:      strings.TrimSpace(os.Getenv("WEBHOOK_API_KEY")),
		CorsAllowedOrigins: strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")),
		ReceiptBucket:      strings.TrimSpace(os.Getenv("RECEIPT_BUCKET")),
		ChatResponseHosts:  listFromEnv("CHAT_RESPONSE_HOSTS"),
		SettlementLockTTL:  secondsFromEnv("SETTLEMENT_LOCK_TTL_SECONDS", 150),

		WalletBaseURL:          strings.TrimRight(envDefault("WALLET_API_BASE_URL", "http://localhost:3000"), "/"),
		WalletTokenURL:         strings.TrimSpace(os.Getenv("WALLET_TOKEN_URL")),
		WalletClientID:         strings.TrimSpace(os.Getenv("WALLET_CLIENT_ID")),
		WalletClientSecret:     strings.TrimSpace(os.Getenv("WALLET_CLIENT_SECRET")),
		WalletTimeout:          secondsFromEnv("WALLET_TIMEOUT_SECONDS", 100),
		WalletPermanentStatus:  intFromEnv("WALLET_PERMANENT_FAILURE_STATUS", 422),
		WalletRatePerSecond:    intFromEnv("WALLET_RATE_LIMIT_PER_SEC", 20),
		WalletAddressCacheSize: intFromEnv("WALLET_ADDRESS_CACHE_SIZE", 10000),
		WalletSenderId:         envDefault("WALLET_REWARDS_SENDER_ID", "rewards"),

		RewardToken:          envDefault("REWARD_TOKEN", "USDT"),
		DefaultChainId:       int64(intFromEnv("DEFAULT_CHAIN_ID", 137)),
		SignupRewardAmount:   decimalFromEnv("SIGNUP_REWARD_AMOUNT", decimal.NewFromInt(100)),
		ReferralRewardAmount: decimalFromEnv("REFERRAL_REWARD_AMOUNT", decimal.NewFromInt(50)),
		LinkRewardAmount:     decimalFromEnv("LINK_REWARD_AMOUNT", decimal.NewFromInt(25)),

		BatchWaveSize:       intFromEnv("BATCH_WAVE_SIZE", 10),
		BatchTokenRefresh:   time.Duration(intFromEnv("BATCH_TOKEN_REFRESH_MINUTES", 50)) * time.Minute,
		BatchWindow:         time.Duration(intFromEnv("BATCH_WINDOW_HOURS", 24)) * time.Hour,
		PendingHashMaxAge:   time.Duration(intFromEnv("PENDING_HASH_MAX_AGE_HOURS", 72)) * time.Hour,
		SchedulerEnabled:    envBoolDefault("SCHEDULER_ENABLED", true),
		SignupBackfillEvery: time.Duration(intFromEnv("SIGNUP_BACKFILL_EVERY_MINUTES", 24*60)) * time.Minute,
		LinkBackfillEvery:   time.Duration(intFromEnv("LINK_BACKFILL_EVERY_MINUTES", 24*60)) * time.Minute,
		ReconcileEvery:      time.Duration(intFromEnv("RECONCILE_EVERY_MINUTES", 60)) * time.Minute,
	}
}

func IsProduction(s Settings) bool {
	return strings.EqualFold(s.GoEnv, "production")
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// listFromEnv splits a comma separated variable, dropping blanks.
func listFromEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		return def
	}
	return d
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
