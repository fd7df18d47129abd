// Package kafka holds the Kafka cluster registry and client construction
// shared by the Kafka stream log and the Kafka sink.
package kafka

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ClusterConfig is one Kafka cluster, either named in clusters.yaml or
// inline in a bridge definition.
type ClusterConfig struct {
	Name        string        `yaml:"name,omitempty"` // set from the clusters.yaml key
	Brokers     []string      `yaml:"brokers"`
	ClientID    string        `yaml:"clientId,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	Auth        AuthConfig    `yaml:"auth,omitempty"`
	TLS         TLSConfig     `yaml:"tls,omitempty"`
}

// AuthConfig is SASL authentication. Mechanism is one of the keys of
// mechanisms.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig enables TLS, optionally with a private CA and a client
// certificate for mTLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	ServerName string `yaml:"serverName,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Validate reports every problem in the cluster settings.
func (c *ClusterConfig) Validate() error {
	errs := c.brokerErrors()
	errs = append(errs, c.Auth.errors()...)
	errs = append(errs, c.TLS.errors()...)
	return errors.Join(errs...)
}

func (c *ClusterConfig) brokerErrors() []error {
	if len(c.Brokers) == 0 {
		return []error{errors.New("brokers are required")}
	}
	var errs []error
	for _, b := range c.Brokers {
		if host, port, err := net.SplitHostPort(b); err != nil || host == "" || port == "" {
			errs = append(errs, fmt.Errorf("broker %q must be host:port", b))
		}
	}
	if c.DialTimeout < 0 {
		errs = append(errs, errors.New("dialTimeout must not be negative"))
	}
	return errs
}

func (a AuthConfig) errors() []error {
	if a.Mechanism == "" {
		return nil
	}
	var errs []error
	if _, ok := mechanisms[a.Mechanism]; !ok {
		errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be one of %s)", a.Mechanism, mechanismNames()))
	}
	if a.Username == "" {
		errs = append(errs, errors.New("auth.username is required when mechanism is set"))
	}
	if a.Password == "" {
		errs = append(errs, errors.New("auth.password is required when mechanism is set"))
	}
	return errs
}

func (t TLSConfig) errors() []error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return []error{errors.New("tls.certFile and tls.keyFile must be set together")}
	}
	return nil
}

// ClustersFile is the shared cluster file referenced by bridges through
// stream.clusterRef and sink.kafka.clusterRef.
type ClustersFile struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// Validate checks all cluster configurations.
func (c *ClustersFile) Validate() error {
	var errs []error
	for name, cluster := range c.Clusters {
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
