// Package fixtures provides the Widget domain events used across the test suites,
// together with a JSONNormalizer that knows them.
package fixtures
