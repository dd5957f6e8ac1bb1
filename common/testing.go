package common

import "os"

// GetUnitTestNatsURI fetch the NATS server URI used by unit tests
//
// Returns empty string when the environment does not provide one.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}

// GetUnitTestRedisAddr fetch the Redis server address used by unit tests
//
// Returns empty string when the environment does not provide one.
func GetUnitTestRedisAddr() string {
	return os.Getenv("UNITTEST_REDIS_ADDR")
}
