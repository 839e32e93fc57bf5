// Package config provides configuration management for dbpool session pools.
//
// # Key Features
//
// - PoolConfig: one structure per named pool
// - Structured sections: Driver, Defaults, Validation, Pool, Abandoned, Statements, Observability
// - Environment variable substitution with ${VAR_NAME} and ${VAR_NAME:-fallback} syntax
// - Viper integration with DBPOOL_ prefixed environment overrides
// - Automatic defaults and validation
//
// # Usage
//
// ## Loading a YAML file
//
//	cfg, err := config.LoadPoolConfig("pool.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Loading through viper
//
//	v, _ := config.NewViper()
//	v.SetConfigFile("pool.yaml")
//	_ = v.ReadInConfig()
//	cfg, err := config.FromViper(v)
//
// With viper, DBPOOL_POOL_MAX_ACTIVE=32 overrides pool.max_active.
//
// ## Environment Variable Substitution
//
//	# pool.yaml
//	name: orders
//	driver:
//	  dialect: postgres
//	  dsn: postgres://${DB_USER}:${DB_PASSWORD}@${DB_HOST:-localhost}/orders
//	validation:
//	  query: SELECT 1
//	  timeout: 2s
//	  max_lifetime: 30m
//	abandoned:
//	  remove_on_borrow: true
//	  timeout: 5m
//
// # Defaults
//
// NewPoolConfig returns eight active sessions, test-on-borrow, rollback and
// autocommit restore on return, cached session flags, a five minute
// abandonment timeout and the idle < 2, active > max - 3 sweep trigger.
package config
