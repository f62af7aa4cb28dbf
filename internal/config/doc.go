/*
Package config loads and validates s3cacheproxy's configuration.

Configuration is built up in three layers, each overriding the last:

	defaults (NewDefault)  →  config file (LoadFromFile)  →  environment (LoadFromEnv)

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/s3cacheproxy/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

# Configuration file format

	global:
	  log_level: INFO
	  listen_addr: ":8080"
	  metrics_port: 9090

	performance:
	  max_concurrency: 150
	  connection_pool_size: 8

	origin:
	  bucket: my-bucket
	  region: us-east-1

	cache:
	  layers: [l1-memory, l2-disk, l3-remote]
	  l1:
	    capacity_bytes: 268435456
	  l2:
	    root_dir: /var/cache/s3cacheproxy
	    capacity_bytes: 10737418240
	  l3:
	    enabled: true
	    url: redis://localhost:6379

# Environment variables

Environment overrides use the S3CACHEPROXY_ prefix:

	S3CACHEPROXY_LOG_LEVEL
	S3CACHEPROXY_LISTEN_ADDR
	S3CACHEPROXY_METRICS_PORT
	S3CACHEPROXY_MAX_CONCURRENCY
	S3CACHEPROXY_ORIGIN_BUCKET
	S3CACHEPROXY_ORIGIN_REGION
	S3CACHEPROXY_ORIGIN_ENDPOINT
	S3CACHEPROXY_L3_URL
	S3CACHEPROXY_ADMIN_TOKEN

Setting S3CACHEPROXY_L3_URL also enables the L3 layer.

# Validation

Validate checks that the configuration is internally consistent: a
concurrency limit and pool size greater than zero, an origin bucket, at
least one cache layer, an L3 URL whenever L3 is enabled, and a
recognized log level.
*/
package config
