package config_test

import (
	"fmt"
	"log"

	"github.com/ajitpratap0/dbpool/pkg/config"
)

// ExampleNewPoolConfig demonstrates creating a pool configuration with
// default values.
func ExampleNewPoolConfig() {
	cfg := config.NewPoolConfig("orders")
	cfg.Driver.Dialect = "sqlite"
	cfg.Driver.DSN = "file:orders.db"

	fmt.Printf("Max Active: %d\n", cfg.Pool.MaxActive)
	fmt.Printf("Validation Timeout: %s\n", cfg.Validation.Timeout)
	fmt.Printf("Abandoned Timeout: %s\n", cfg.Abandoned.Timeout)
	fmt.Printf("Sweep Trigger: idle < %d, active > max - %d\n",
		cfg.Abandoned.IdleThreshold, cfg.Abandoned.ActiveMargin)

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// Output:
	// Max Active: 8
	// Validation Timeout: 5s
	// Abandoned Timeout: 5m0s
	// Sweep Trigger: idle < 2, active > max - 3
}

// ExamplePoolConfig_Validate demonstrates validation failures.
func ExamplePoolConfig_Validate() {
	cfg := config.NewPoolConfig("orders")
	fmt.Println(cfg.Validate())

	cfg.Driver.Dialect = "postgres"
	cfg.Pool.MaxActive = 0
	fmt.Println(cfg.Validate())

	cfg.Pool.MaxActive = 4
	cfg.Defaults.Isolation = "chaotic"
	fmt.Println(cfg.Validate())

	// Output:
	// driver.dialect is required
	// pool.max_active must be positive
	// defaults.isolation: unknown isolation level "chaotic"
}
