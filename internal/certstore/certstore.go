// Package certstore owns the single hot-swappable TLS certificate used
// for STARTTLS. It persists the active pair on disk and notifies the
// SMTP listener when the pair changes.
package certstore

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
	metaFileName = "metadata.json"
)

// Record is the active certificate and key pair with its metadata.
type Record struct {
	Cert       string
	Key        string
	UploadedAt time.Time
	IsActive   bool
}

// Info describes the active certificate for display. When parsing the
// certificate fails, Error is set and the X.509 fields stay empty.
type Info struct {
	HasActive   bool      `json:"hasActive"`
	UploadedAt  time.Time `json:"uploadedAt"`
	IsActive    bool      `json:"isActive"`
	Subject     string    `json:"subject,omitempty"`
	Issuer      string    `json:"issuer,omitempty"`
	ValidFrom   time.Time `json:"validFrom,omitempty"`
	ValidTo     time.Time `json:"validTo,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ValidationError is returned by Upload when the submitted material is
// rejected. Reason is safe to show to the uploader.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid certificate or key: " + e.Reason
}

// metadata is the on-disk JSON sidecar next to cert.pem and key.pem.
type metadata struct {
	UploadedAt time.Time `json:"uploadedAt"`
	IsActive   bool      `json:"isActive"`
}

// Store holds at most one active certificate pair. Reads see a
// consistent snapshot; Upload and Delete serialize through a single
// mutation lock and run the change hook synchronously before returning.
type Store struct {
	dir string

	// mutationMu serializes Upload/Delete, including persistence and
	// the change notification.
	mutationMu sync.Mutex

	mu       sync.RWMutex
	current  *Record
	tlsCert  *tls.Certificate
	onChange func()
}

// Open creates the storage directory if needed and loads a previously
// persisted certificate. Partial or corrupt persisted state is logged
// and ignored; Open only fails when the directory cannot be created.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate storage directory: %w", err)
	}

	s := &Store{dir: dir}
	s.loadExisting()
	return s, nil
}

// OnChange registers a hook invoked synchronously after every
// successful Upload or Delete. The SMTP listener uses it to restart
// with the new TLS state before the mutation call returns.
func (s *Store) OnChange(fn func()) {
	s.onChange = fn
}

func (s *Store) loadExisting() {
	certPEM, certErr := os.ReadFile(filepath.Join(s.dir, certFileName))
	keyPEM, keyErr := os.ReadFile(filepath.Join(s.dir, keyFileName))
	metaRaw, metaErr := os.ReadFile(filepath.Join(s.dir, metaFileName))

	if certErr != nil || keyErr != nil || metaErr != nil {
		if certErr == nil || keyErr == nil || metaErr == nil {
			slog.Warn("partial certificate state on disk, starting without certificate")
		}
		return
	}

	var meta metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		slog.Warn("corrupt certificate metadata, starting without certificate", "error", err)
		return
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		slog.Warn("persisted certificate and key do not form a valid pair, starting without certificate", "error", err)
		return
	}

	s.current = &Record{
		Cert:       string(certPEM),
		Key:        string(keyPEM),
		UploadedAt: meta.UploadedAt,
		IsActive:   meta.IsActive,
	}
	s.tlsCert = &pair
	slog.Info("loaded persisted TLS certificate", "uploaded_at", meta.UploadedAt)
}

// Upload validates the submitted pair, persists it, and makes it the
// active record. On any validation or persistence failure nothing is
// persisted and the previous record stays active.
func (s *Store) Upload(certPEM, keyPEM []byte) (Record, error) {
	s.mutationMu.Lock()
	defer s.mutationMu.Unlock()

	pair, err := validatePair(certPEM, keyPEM)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		Cert:       string(certPEM),
		Key:        string(keyPEM),
		UploadedAt: time.Now(),
		IsActive:   true,
	}

	if err := s.persist(record); err != nil {
		return Record{}, fmt.Errorf("failed to persist certificate: %w", err)
	}

	s.mu.Lock()
	s.current = &record
	s.tlsCert = pair
	s.mu.Unlock()

	slog.Info("TLS certificate uploaded", "uploaded_at", record.UploadedAt)
	s.notify()
	return record, nil
}

// Delete removes the persisted artifacts and clears the active record.
// Missing files are not an error. Returns whether deletion completed.
func (s *Store) Delete() bool {
	s.mutationMu.Lock()
	defer s.mutationMu.Unlock()

	ok := true
	for _, name := range []string{certFileName, keyFileName, metaFileName} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to remove certificate artifact", "file", name, "error", err)
			ok = false
		}
	}

	s.mu.Lock()
	hadActive := s.current != nil
	s.current = nil
	s.tlsCert = nil
	s.mu.Unlock()

	if hadActive {
		slog.Info("TLS certificate deleted")
	}
	s.notify()
	return ok
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Active returns a snapshot of the active record, if any.
func (s *Store) Active() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Record{}, false
	}
	return *s.current, true
}

// TLSConfig builds a server TLS configuration from the active pair, or
// returns nil when no certificate is active. Sessions call this at
// STARTTLS time so they always observe the current record.
func (s *Store) TLSConfig() *tls.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tlsCert == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*s.tlsCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// Describe parses the active certificate for display. A parse failure
// degrades to a record carrying the upload metadata and an error
// marker instead of failing the call.
func (s *Store) Describe() (Info, bool) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()

	if current == nil {
		return Info{}, false
	}

	info := Info{
		HasActive:  true,
		UploadedAt: current.UploadedAt,
		IsActive:   current.IsActive,
	}

	block, _ := pem.Decode([]byte(current.Cert))
	if block == nil {
		info.Error = "failed to parse certificate details"
		return info, true
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		slog.Error("failed to parse active certificate", "error", err)
		info.Error = "failed to parse certificate details"
		return info, true
	}

	info.Subject = leaf.Subject.String()
	info.Issuer = leaf.Issuer.String()
	info.ValidFrom = leaf.NotBefore
	info.ValidTo = leaf.NotAfter
	info.Fingerprint = fingerprint(block.Bytes)
	return info, true
}

// persist writes all three artifacts via temp file + rename so readers
// never observe a half-written pair.
func (s *Store) persist(record Record) error {
	meta, err := json.Marshal(metadata{
		UploadedAt: record.UploadedAt,
		IsActive:   record.IsActive,
	})
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
	}{
		{certFileName, []byte(record.Cert)},
		{keyFileName, []byte(record.Key)},
		{metaFileName, meta},
	}

	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(s.dir, f.name), f.data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// validatePair checks PEM envelope markers for both inputs and then
// cross-checks that they form a usable TLS server pair.
func validatePair(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert := string(certPEM)
	key := string(keyPEM)

	if !strings.Contains(cert, "BEGIN CERTIFICATE") || !strings.Contains(cert, "END CERTIFICATE") {
		return nil, &ValidationError{Reason: "certificate is not PEM-encoded"}
	}
	if !strings.Contains(key, "BEGIN") || !strings.Contains(key, "END") || !strings.Contains(key, "PRIVATE KEY") {
		return nil, &ValidationError{Reason: "private key is not PEM-encoded"}
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("certificate and key do not match: %v", err)}
	}
	return &pair, nil
}

// fingerprint returns the SHA-256 digest of the DER certificate in
// colon-separated uppercase hex.
func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
