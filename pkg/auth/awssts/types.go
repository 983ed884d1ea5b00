// Package awssts provides AWS STS token exchange with SigV4 signing support.
package awssts

import "time"

// DefaultService is the default service name for AWS MCP Server SigV4 signing.
const DefaultService = "aws-mcp"

// DefaultSessionDuration is the default STS session duration in seconds.
const DefaultSessionDuration int32 = 3600

// Credentials holds temporary AWS credentials from STS.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// IsExpired returns true if the credentials have expired.
func (c *Credentials) IsExpired() bool {
	return time.Now().After(c.Expiration)
}

// ShouldRefresh returns true if credentials should be refreshed (5 min buffer).
func (c *Credentials) ShouldRefresh() bool {
	return time.Now().After(c.Expiration.Add(-5 * time.Minute))
}

// GetService returns the configured service or the default.
func (c *Config) GetService() string {
	if c.Service != "" {
		return c.Service
	}
	return DefaultService
}

// GetSessionDuration returns the configured session duration or the default.
// The returned value is clamped to AWS limits (900-43200 seconds).
func (c *Config) GetSessionDuration() int32 {
	if c.SessionDuration > 0 {
		if c.SessionDuration < MinSessionDuration {
			return MinSessionDuration
		}
		if c.SessionDuration > MaxSessionDuration {
			return MaxSessionDuration
		}
		return c.SessionDuration
	}
	return DefaultSessionDuration
}
