// Package config handles loading and validating Foundry Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FOUNDRY_* environment variables
//   - Validation of required fields and threshold ordering
//   - Default value handling
//
// Security Considerations:
//   - The JWT secret should come from FOUNDRY_JWT_SECRET or a secret file,
//     never from a committed config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Telemetry.Topic)
package config
