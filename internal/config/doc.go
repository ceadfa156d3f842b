// Package config provides configuration management for the worker node.
//
// Configuration is loaded once from environment variables using the env
// package and never changes at runtime. Pool limits and the provider list
// therefore require a restart to change. REDIS_ADDR and KG_EXECUTOR_COMMAND
// are required; everything else has a default.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("node %s, limits %+v\n", cfg.NodeName, cfg.Limits())
package config
