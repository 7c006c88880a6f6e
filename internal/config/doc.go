// Package config defines configuration structures for the sophon CLI and
// task server.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SOPHON_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file. Durations are
// written as Go duration strings ("10s", "24h").
//
// # Example
//
//	workers: 32
//	retry:
//	  attempts: 3
//	  backoff: 5s
//	patch:
//	  binary: /opt/hdiffpatch/hpatchz
//	mirror:
//	  bucket: s3://game-mirror?region=eu-west-1
//	  prefix: chunks/
//	endpoints:
//	  patch_build_cn: https://downloader-api.example.com
package config
