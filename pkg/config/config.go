/*
Copyright 2018 Heptio Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads wakeproxy's immutable, process-wide configuration
// from environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// defaultPodSelectorKeys is the ordered list of label keys tried, in order,
// when looking for a service's pods. Configurable via POD_SELECTOR_KEYS so
// deployments with nonstandard labeling conventions aren't hard-coded out.
var defaultPodSelectorKeys = []string{
	"io.kompose.service",
	"app",
	"app.kubernetes.io/name",
}

// Config is wakeproxy's immutable configuration, resolved once at process
// start from the environment.
type Config struct {
	GroupServices     []string      `mapstructure:"group_services" json:"group_services"`
	PrimaryService    string        `mapstructure:"primary_service" json:"primary_service"`
	Namespace         string        `mapstructure:"namespace" json:"namespace"`
	TargetPort        int           `mapstructure:"target_port" json:"target_port"`
	ForwardTimeout    time.Duration `mapstructure:"-" json:"forward_timeout"`
	ScaleUpReplicas   int32         `mapstructure:"scale_up_replicas" json:"scale_up_replicas"`
	ScaleDownReplicas int32         `mapstructure:"scale_down_replicas" json:"scale_down_replicas"`
	MaxScaleupWait    time.Duration `mapstructure:"-" json:"max_scaleup_wait"`
	InactivityTimeout time.Duration `mapstructure:"-" json:"inactivity_timeout"`
	CheckInterval     time.Duration `mapstructure:"-" json:"check_interval"`

	// PodSelectorKeys is the ordered, fallback list of pod label keys probed
	// during readiness polling. Configurable rather than hard-coded so
	// clusters with nonstandard labeling conventions aren't locked out.
	PodSelectorKeys []string `json:"pod_selector_keys"`

	// ErrorLogPath, if set, is where Error-level logs are additionally
	// written (see pkg/errlog.AddErrorSinkFile).
	ErrorLogPath string `json:"error_log_path,omitempty"`
}

// Load reads configuration from the environment, applying defaults, and
// validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bind := map[string]string{
		"target_service_name": "TARGET_SERVICE_NAME",
		"forward_to_service":  "FORWARD_TO_SERVICE",
		"namespace":           "NAMESPACE",
		"target_service_port": "TARGET_SERVICE_PORT",
		"forward_timeout":     "FORWARD_TIMEOUT",
		"scale_up_replicas":   "SCALE_UP_REPLICAS",
		"scale_down_replicas": "SCALE_DOWN_REPLICAS",
		"max_scaleup_wait":    "MAX_SCALEUP_WAIT",
		"inactivity_timeout":  "INACTIVITY_TIMEOUT",
		"check_interval":      "CHECK_INTERVAL",
		"pod_selector_keys":   "POD_SELECTOR_KEYS",
		"error_log_path":      "WAKEPROXY_ERROR_LOG",
	}
	for key, env := range bind {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "binding env var %s", env)
		}
	}

	v.SetDefault("target_service_name", "manager,accessor,engine")
	v.SetDefault("forward_to_service", "manager")
	v.SetDefault("namespace", "default")
	v.SetDefault("target_service_port", 80)
	v.SetDefault("forward_timeout", 60)
	v.SetDefault("scale_up_replicas", 1)
	v.SetDefault("scale_down_replicas", 0)
	v.SetDefault("max_scaleup_wait", 150)
	v.SetDefault("inactivity_timeout", 300)
	v.SetDefault("check_interval", 30)

	cfg := &Config{
		GroupServices:     splitCSV(v.GetString("target_service_name")),
		PrimaryService:    v.GetString("forward_to_service"),
		Namespace:         v.GetString("namespace"),
		TargetPort:        v.GetInt("target_service_port"),
		ForwardTimeout:    time.Duration(v.GetInt64("forward_timeout")) * time.Second,
		ScaleUpReplicas:   int32(v.GetInt("scale_up_replicas")),
		ScaleDownReplicas: int32(v.GetInt("scale_down_replicas")),
		MaxScaleupWait:    time.Duration(v.GetInt64("max_scaleup_wait")) * time.Second,
		InactivityTimeout: time.Duration(v.GetInt64("inactivity_timeout")) * time.Second,
		CheckInterval:     time.Duration(v.GetInt64("check_interval")) * time.Second,
		ErrorLogPath:      v.GetString("error_log_path"),
	}

	if keys := v.GetString("pod_selector_keys"); keys != "" {
		cfg.PodSelectorKeys = splitCSV(keys)
	} else {
		cfg.PodSelectorKeys = append([]string{}, defaultPodSelectorKeys...)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, errors.Errorf("invalid configuration: %v", strings.Join(msgs, ", "))
	}

	return cfg, nil
}

// Validate checks that the group of services is well-formed (non-empty,
// with the primary a member of the group) along with basic sanity bounds
// on the numeric fields.
func (c *Config) Validate() (errs []error) {
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace must not be empty"))
	}
	if len(c.GroupServices) == 0 {
		errs = append(errs, errors.New("group_services must not be empty"))
	}
	if c.PrimaryService == "" {
		errs = append(errs, errors.New("primary_service must not be empty"))
	}
	if !contains(c.GroupServices, c.PrimaryService) {
		errs = append(errs, errors.Errorf("primary_service %q must be a member of group_services %v", c.PrimaryService, c.GroupServices))
	}
	if c.ScaleUpReplicas <= 0 {
		errs = append(errs, errors.New("scale_up_replicas must be a positive integer"))
	}
	if c.ScaleDownReplicas < 0 {
		errs = append(errs, errors.New("scale_down_replicas must not be negative"))
	}
	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		errs = append(errs, errors.Errorf("target_port %d out of range", c.TargetPort))
	}
	return errs
}

// UpstreamHost returns the in-cluster DNS name of the primary service.
func (c *Config) UpstreamHost() string {
	return c.PrimaryService + "." + c.Namespace + ".svc.cluster.local"
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
