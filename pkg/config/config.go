// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads process configuration from the environment, per
// §6.4 of the external-interfaces design.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// NFTTablePrefix namespaces every table this process creates in the
// packet-filter store, so multiple sidecars sharing a netns don't collide.
const NFTTablePrefix = "k8s-netem"

// Options holds the sidecar process's environment-derived configuration.
type Options struct {
	PodName      string
	PodNamespace string

	Kubeconfig string

	Debug        bool
	InjectToAll  bool

	SSLCertFile string
	SSLKeyFile  string

	// FS is the filesystem certificates are read from. Defaults to the OS
	// filesystem; tests substitute afero.NewMemMapFs().
	FS afero.Fs
}

// FromEnv loads Options from the process environment, applying the same
// defaults as the original sidecar's configuration module.
func FromEnv() *Options {
	return &Options{
		PodName:      os.Getenv("POD_NAME"),
		PodNamespace: os.Getenv("POD_NAMESPACE"),
		Kubeconfig:   os.Getenv("KUBECONFIG"),
		Debug:        boolEnv("DEBUG"),
		InjectToAll:  boolEnv("INJECT_TO_ALL"),
		SSLCertFile:  envOr("SSL_CERT_FILE", "/certs/tls.crt"),
		SSLKeyFile:   envOr("SSL_KEY_FILE", "/certs/tls.key"),
		FS:           afero.NewOsFs(),
	}
}

// defaultAndValidate fills in defaults and rejects options that can never
// produce a working process, mirroring the teacher's Options validation.
func (o *Options) defaultAndValidate() error {
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.SSLCertFile == "" {
		o.SSLCertFile = "/certs/tls.crt"
	}
	if o.SSLKeyFile == "" {
		o.SSLKeyFile = "/certs/tls.key"
	}
	if o.PodName == "" {
		return errors.New("POD_NAME must be set")
	}
	if o.PodNamespace == "" {
		return errors.New("POD_NAMESPACE must be set")
	}
	return nil
}

// Validate runs defaulting and validation, returning the first error found.
func (o *Options) Validate() error {
	return o.defaultAndValidate()
}

// LoadCertificate reads the configured cert/key pair off Options.FS.
func (o *Options) LoadCertificate() (cert, key []byte, err error) {
	cert, err = afero.ReadFile(o.FS, o.SSLCertFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading cert file %s", o.SSLCertFile)
	}
	key, err = afero.ReadFile(o.FS, o.SSLKeyFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading key file %s", o.SSLKeyFile)
	}
	return cert, key, nil
}

func boolEnv(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "on":
		return true
	default:
		return false
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
