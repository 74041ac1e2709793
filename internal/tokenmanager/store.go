package tokenmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// accountFileFields are the field paths read from and written to the
// per-account JSON file. The file is never unmarshalled into a rigid
// struct: gjson/sjson read and mutate the raw bytes directly, so every
// field this codec does not know about survives a read-modify-write
// untouched, including its position in the object.
const (
	fieldID              = "id"
	fieldEmail           = "email"
	fieldDisabled        = "disabled"
	fieldProxyDisabled   = "proxy_disabled"
	fieldDisabledAt      = "disabled_at"
	fieldDisabledReason  = "disabled_reason"
	fieldTier            = "quota.subscription_tier"
	fieldAccessToken     = "token.access_token"
	fieldRefreshToken    = "token.refresh_token"
	fieldExpiresIn       = "token.expires_in"
	fieldExpiryTimestamp = "token.expiry_timestamp"
	fieldProjectID       = "token.project_id"
)

// Store is the persistence boundary for account files. It is the only
// component in the core that touches the filesystem.
type Store interface {
	// LoadAccounts reads every *.json file under dir's accounts/
	// subdirectory and returns the accepted records plus a slice of skip
	// reasons (one per skipped file, for debug logging). It returns an
	// error only when that accounts directory cannot be read.
	LoadAccounts(dir string) (records []Record, skipped []string, err error)

	// PersistRefreshed rewrites the access token fields of the account
	// file at path.
	PersistRefreshed(path string, accessToken string, expiresIn int64, expiryTimestamp int64) error

	// PersistProjectID rewrites the project id field of the account file
	// at path.
	PersistProjectID(path string, projectID string) error

	// Disable marks the account file at path as disabled, recording the
	// reason (truncated to 800 characters by the store) and the disable
	// time.
	Disable(path string, reason string, disabledAtEpoch int64) error
}

// FileStore is the default Store, reading and writing pretty-printed JSON
// account files under <dataDir>/accounts/.
type FileStore struct{}

// NewFileStore constructs a FileStore.
func NewFileStore() *FileStore { return &FileStore{} }

func accountsDir(dataDir string) string {
	return filepath.Join(dataDir, "accounts")
}

// LoadAccounts implements Store.
func (FileStore) LoadAccounts(dir string) ([]Record, []string, error) {
	accountsPath := accountsDir(dir)
	entries, err := os.ReadDir(accountsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read accounts directory %s: %w", accountsPath, err)
	}

	var records []Record
	var skipped []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(accountsPath, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: read failed: %v", entry.Name(), err))
			continue
		}
		rec, reason, ok := parseAccountFile(path, raw)
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s: %s", entry.Name(), reason))
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func parseAccountFile(path string, raw []byte) (Record, string, bool) {
	if !gjson.ValidBytes(raw) {
		return Record{}, "invalid JSON", false
	}
	doc := gjson.ParseBytes(raw)

	if doc.Get(fieldDisabled).Bool() || doc.Get(fieldProxyDisabled).Bool() {
		return Record{}, "disabled", false
	}

	id := doc.Get(fieldID).String()
	email := doc.Get(fieldEmail).String()
	accessToken := doc.Get(fieldAccessToken).String()
	refreshToken := doc.Get(fieldRefreshToken).String()
	expiresInResult := doc.Get(fieldExpiresIn)
	timestampResult := doc.Get(fieldExpiryTimestamp)

	if id == "" || email == "" || accessToken == "" || refreshToken == "" ||
		!expiresInResult.Exists() || !timestampResult.Exists() {
		return Record{}, "missing required field", false
	}

	return Record{
		AccountID:        id,
		Email:            email,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresIn:        expiresInResult.Int(),
		Timestamp:        timestampResult.Int(),
		AccountPath:      path,
		ProjectID:        doc.Get(fieldProjectID).String(),
		SubscriptionTier: Tier(doc.Get(fieldTier).String()),
	}, "", true
}

// PersistRefreshed implements Store.
func (FileStore) PersistRefreshed(path string, accessToken string, expiresIn int64, expiryTimestamp int64) error {
	return mutateAccountFile(path, func(raw []byte) ([]byte, error) {
		var err error
		raw, err = sjson.SetBytes(raw, fieldAccessToken, accessToken)
		if err != nil {
			return nil, err
		}
		raw, err = sjson.SetBytes(raw, fieldExpiresIn, expiresIn)
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(raw, fieldExpiryTimestamp, expiryTimestamp)
	})
}

// PersistProjectID implements Store.
func (FileStore) PersistProjectID(path string, projectID string) error {
	return mutateAccountFile(path, func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, fieldProjectID, projectID)
	})
}

// Disable implements Store.
func (FileStore) Disable(path string, reason string, disabledAtEpoch int64) error {
	return mutateAccountFile(path, func(raw []byte) ([]byte, error) {
		var err error
		raw, err = sjson.SetBytes(raw, fieldDisabled, true)
		if err != nil {
			return nil, err
		}
		raw, err = sjson.SetBytes(raw, fieldDisabledAt, disabledAtEpoch)
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(raw, fieldDisabledReason, truncate(reason, 800))
	})
}

// mutateAccountFile reads path, applies mutate to the raw bytes, pretty
// prints the result, and atomically replaces the file.
func mutateAccountFile(path string, mutate func([]byte) ([]byte, error)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read account file %s: %w", path, err)
	}
	mutated, err := mutate(raw)
	if err != nil {
		return fmt.Errorf("mutate account file %s: %w", path, err)
	}
	pretty, err := prettyPrint(mutated)
	if err != nil {
		return fmt.Errorf("pretty-print account file %s: %w", path, err)
	}
	tmp := path + ".tmp" + strconv.FormatInt(int64(os.Getpid()), 10)
	if err := os.WriteFile(tmp, []byte(pretty), 0o600); err != nil {
		return fmt.Errorf("write temp account file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically replace account file %s: %w", path, err)
	}
	return nil
}

func prettyPrint(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("invalid JSON")
	}
	return gjson.ParseBytes(raw).Get("@pretty").Raw, nil
}

// truncate returns s unchanged when it has at most n characters (counted,
// not bytes), otherwise its first n characters followed by a single
// ellipsis character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
