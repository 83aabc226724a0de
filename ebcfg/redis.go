package ebcfg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
)

// Port accepts either a JSON number or string, since operators write both.
type Port string

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		*p = Port(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(b, &asNumber); err != nil {
		return err
	}
	*p = Port(asNumber.String())
	return nil
}

// RedisConfig is how a connection to the store is described: where it is and
// how to authenticate. The password may be given inline, named by an
// environment variable, or read from a file, tried in that order.
type RedisConfig struct {
	Host     string `json:"host,omitempty" jsonschema:"description=The address of the machine hosting the store,default=127.0.0.1"`
	Port     Port   `json:"port,omitempty" jsonschema:"description=The port on the store host to connect to,default=6379"`
	Username string `json:"username,omitempty" jsonschema:"description=The user to connect to the store as"`
	PoolSize int    `json:"pool_size,omitempty" jsonschema:"description=The number of pooled connections,default=4"`

	Password            string `json:"password,omitempty" jsonschema:"description=The password itself"`
	PasswordEnvVariable string `json:"password_env_variable,omitempty" jsonschema:"description=The environment variable holding the password"`
	PasswordFile        string `json:"password_file,omitempty" jsonschema:"description=The path of a file holding the password"`

	SSL *TLSConfig `json:"ssl,omitempty"`
}

func (r *RedisConfig) expand() error {
	var err error
	if r.Host, err = expandEnv(r.Host); err != nil {
		return err
	}
	var port string
	if port, err = expandEnv(string(r.Port)); err != nil {
		return err
	}
	r.Port = Port(port)
	if r.Username, err = expandEnv(r.Username); err != nil {
		return err
	}
	if r.Password, err = expandEnv(r.Password); err != nil {
		return err
	}
	if r.PasswordFile, err = expandEnv(r.PasswordFile); err != nil {
		return err
	}
	if r.SSL != nil {
		return r.SSL.expand()
	}
	return nil
}

// Addr renders host:port, falling back to settings' defaults field by field.
func (r *RedisConfig) Addr(settings Settings) string {
	host := r.Host
	if host == "" {
		host = settings.DefaultRedisHost
	}
	port := string(r.Port)
	if port == "" {
		port = settings.DefaultRedisPort
	}
	return host + ":" + port
}

// ResolvePassword finds the password: inline first, then the named
// environment variable, then the named file.
func (r *RedisConfig) ResolvePassword(settings Settings) (string, error) {
	if r.Password != "" {
		return r.Password, nil
	}
	if r.PasswordEnvVariable != "" {
		return os.Getenv(r.PasswordEnvVariable), nil
	}
	if r.PasswordFile != "" {
		contents, err := os.ReadFile(r.PasswordFile)
		if err != nil {
			return "", merr.Wrap(
				mctx.Annotate(context.Background(), "passwordFile", r.PasswordFile), err)
		}
		return strings.TrimRight(string(contents), "\r\n"), nil
	}
	return settings.DefaultRedisPassword, nil
}

// ConnectOpts assembles the credentials into connection options.
func (r *RedisConfig) ConnectOpts(settings Settings) (mredis.ConnectOpts, error) {
	password, err := r.ResolvePassword(settings)
	if err != nil {
		return mredis.ConnectOpts{}, err
	}

	username := r.Username
	if username == "" {
		username = settings.DefaultRedisUser
	}

	opts := mredis.ConnectOpts{
		Addr:     r.Addr(settings),
		PoolSize: r.PoolSize,
		Username: username,
		Password: password,
	}

	if r.SSL != nil {
		tlsConfig, err := r.SSL.Build()
		if err != nil {
			return mredis.ConnectOpts{}, err
		}
		opts.TLSConfig = tlsConfig
	}
	return opts, nil
}

// Connect opens a store connection using these credentials.
func (r *RedisConfig) Connect(cmp *mcmp.Component, settings Settings) (*mredis.Redis, error) {
	opts, err := r.ConnectOpts(settings)
	if err != nil {
		return nil, err
	}
	return mredis.Connect(cmp, opts)
}

// TLSConfig holds the transport material for a store connection.
type TLSConfig struct {
	CAFile  string   `json:"ca_file,omitempty" jsonschema:"description=Path to the client certificate"`
	KeyFile string   `json:"key_file,omitempty" jsonschema:"description=Path to the client private key"`
	CAPath  string   `json:"ca_path,omitempty" jsonschema:"description=Path to a directory of CA certificates in PEM format"`
	CACerts []string `json:"ca_certs,omitempty" jsonschema:"description=Inline CA certificates in PEM format"`
}

func (t *TLSConfig) expand() error {
	var err error
	if t.CAFile, err = expandEnv(t.CAFile); err != nil {
		return err
	}
	if t.KeyFile, err = expandEnv(t.KeyFile); err != nil {
		return err
	}
	t.CAPath, err = expandEnv(t.CAPath)
	return err
}

// Build assembles the material into a tls.Config.
func (t *TLSConfig) Build() (*tls.Config, error) {
	config := &tls.Config{}

	if t.CAFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CAFile, t.KeyFile)
		if err != nil {
			return nil, merr.Wrap(
				mctx.Annotate(context.Background(), "caFile", t.CAFile, "keyFile", t.KeyFile), err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if t.CAPath != "" || len(t.CACerts) > 0 {
		pool := x509.NewCertPool()
		for _, pem := range t.CACerts {
			pool.AppendCertsFromPEM([]byte(pem))
		}
		if t.CAPath != "" {
			entries, err := os.ReadDir(t.CAPath)
			if err != nil {
				return nil, merr.Wrap(
					mctx.Annotate(context.Background(), "caPath", t.CAPath), err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				contents, err := os.ReadFile(filepath.Join(t.CAPath, entry.Name()))
				if err != nil {
					return nil, merr.Wrap(
						mctx.Annotate(context.Background(), "caPath", t.CAPath), err)
				}
				pool.AppendCertsFromPEM(contents)
			}
		}
		config.RootCAs = pool
	}

	return config, nil
}
