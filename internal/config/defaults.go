package config

import (
	"time"

	"github.com/spf13/viper"
)

// Plan names shipped by default.
const (
	PlanFree    = "free"
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// Scheduled task names.
const (
	TaskDispatchScheduled = "dispatch_scheduled"
	TaskSQLMaintenance    = "sql_maintenance"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "replyhub.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.jwt_secret", "")

	v.SetDefault("session.open_timeout", 60*time.Second)
	v.SetDefault("session.send_timeout", 30*time.Second)
	v.SetDefault("session.mailbox_size", 64)
	v.SetDefault("session.default_platform", "whatsapp")

	v.SetDefault("whatsapp.enabled", true)
	v.SetDefault("whatsapp.store_path", "whatsapp.db")
	v.SetDefault("telegram.enabled", false)

	v.SetDefault("generator.backend", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.base_url", "")
	v.SetDefault("generator.model", "")
	v.SetDefault("generator.temperature", 0.7)
	v.SetDefault("generator.max_tokens", 500)
	v.SetDefault("generator.instruction", "You are a helpful customer service assistant. Reply briefly and politely to the customer's message.")
	v.SetDefault("generator.timeout", 30*time.Second)
	v.SetDefault("generator.max_retries", 2)
	v.SetDefault("generator.retry_delay", time.Second)
	v.SetDefault("generator.breaker_max_failures", 5)
	v.SetDefault("generator.breaker_reset", time.Minute)

	v.SetDefault("plans."+PlanFree+".instance_limit", 1)
	v.SetDefault("plans."+PlanFree+".message_credits", 100)
	v.SetDefault("plans."+PlanFree+".media_credits", 10)
	v.SetDefault("plans."+PlanBasic+".instance_limit", 3)
	v.SetDefault("plans."+PlanBasic+".message_credits", 1000)
	v.SetDefault("plans."+PlanBasic+".media_credits", 100)
	v.SetDefault("plans."+PlanPremium+".instance_limit", 10)
	v.SetDefault("plans."+PlanPremium+".message_credits", 5000)
	v.SetDefault("plans."+PlanPremium+".media_credits", 500)

	v.SetDefault("quota.default_plan", PlanFree)

	v.SetDefault("contacts.default_country_code", "55")

	v.SetDefault("media.dir", "media")
	v.SetDefault("media.fetch_timeout", 20*time.Second)
	v.SetDefault("media.max_bytes", int64(16<<20))

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", "replyhub.events")
	v.SetDefault("events.producer", "replyhub")

	v.SetDefault("scheduler.tasks."+TaskDispatchScheduled+".enabled", true)
	v.SetDefault("scheduler.tasks."+TaskDispatchScheduled+".schedule", "*/15 * * * * *")
	v.SetDefault("scheduler.tasks."+TaskSQLMaintenance+".enabled", true)
	v.SetDefault("scheduler.tasks."+TaskSQLMaintenance+".schedule", "0 0 3 * * *")
}
