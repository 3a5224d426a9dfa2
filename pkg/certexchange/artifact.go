package certexchange

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zapcore"
)

const artifactPrefix = "nuclide-ssh-handshake-"

// NewArtifactPath returns a fresh rendezvous path under dir on the remote host.
// The token is a random UUID without hyphens.
func NewArtifactPath(dir string) string {
	if dir == "" {
		dir = "/tmp"
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return path.Join(dir, artifactPrefix+token)
}

// Artifact is the handshake file written by the remote server.
type Artifact struct {
	Success bool
	CA      string
	Cert    string
	Key     string
}

// Credentials is the certificate material needed to talk to the remote server.
type Credentials struct {
	CertificateAuthorityCertificate string
	ClientCertificate               string
	ClientKey                       string
}

func (c Credentials) IsEmpty() bool {
	return c.CertificateAuthorityCertificate == "" && c.ClientCertificate == "" && c.ClientKey == ""
}

// String never prints key material.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{ca:%d bytes, cert:%d bytes, key:<redacted>}",
		len(c.CertificateAuthorityCertificate), len(c.ClientCertificate))
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("ca_bytes", len(c.CertificateAuthorityCertificate))
	enc.AddInt("cert_bytes", len(c.ClientCertificate))
	enc.AddBool("has_key", c.ClientKey != "")
	return nil
}

// String never prints key material.
func (a Artifact) String() string {
	return fmt.Sprintf("Artifact{success:%t}", a.Success)
}

func (a Artifact) GoString() string {
	return a.String()
}

// ParseArtifact validates the handshake structure. All four fields must be
// present with the right JSON type; field contents are not inspected.
func ParseArtifact(data []byte) (Artifact, error) {
	if !gjson.ValidBytes(data) {
		return Artifact{}, fmt.Errorf("artifact is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Artifact{}, fmt.Errorf("artifact is not a JSON object")
	}

	success := doc.Get("success")
	if !success.Exists() {
		return Artifact{}, fmt.Errorf("artifact is missing %q", "success")
	}
	if success.Type != gjson.True && success.Type != gjson.False {
		return Artifact{}, fmt.Errorf("artifact field %q is not a boolean", "success")
	}

	fields := map[string]string{}
	for _, name := range []string{"ca", "cert", "key"} {
		v := doc.Get(name)
		if !v.Exists() {
			return Artifact{}, fmt.Errorf("artifact is missing %q", name)
		}
		if v.Type != gjson.String {
			return Artifact{}, fmt.Errorf("artifact field %q is not a string", name)
		}
		fields[name] = v.Str
	}

	return Artifact{
		Success: success.Bool(),
		CA:      fields["ca"],
		Cert:    fields["cert"],
		Key:     fields["key"],
	}, nil
}

// Credentials builds credentials from a successful artifact.
func (a Artifact) Credentials() Credentials {
	return Credentials{
		CertificateAuthorityCertificate: a.CA,
		ClientCertificate:               a.Cert,
		ClientKey:                       a.Key,
	}
}
