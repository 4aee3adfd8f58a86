package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeFree AccountSubType = iota

	// System sub-types
	SubTypeStakingPool

	// External sub-types
	SubTypeExternalIssuance
)

// PoolAccountID is the well-known holder that receives stakes, pays unstakes
// and holds the insurance reserve. Derived so every node agrees on it.
var PoolAccountID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("stakeledger:staking-pool"))

// IsSystemHolder reports whether id is owned by the engine. Only engine
// handlers may debit such a holder; commands may never name one.
func IsSystemHolder(id uuid.UUID) bool {
	return id == PoolAccountID
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint32

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
)

// RegisterAsset adds a name/id pair to the asset registry. Re-registering the
// same pair is a no-op; conflicting pairs are rejected.
func RegisterAsset(name string, id AssetID) error {
	if name == "" || id == 0 {
		return fmt.Errorf("asset name and non-zero id required")
	}
	assetMu.Lock()
	defer assetMu.Unlock()
	if existing, ok := assetToID[name]; ok && existing != id {
		return fmt.Errorf("asset %s already registered with id %d", name, existing)
	}
	if existing, ok := idToAsset[id]; ok && existing != name {
		return fmt.Errorf("asset id %d already registered as %s", id, existing)
	}
	assetToID[name] = id
	idToAsset[id] = name
	return nil
}

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

func assetLabel(id AssetID) string {
	if name, ok := GetAssetName(id); ok {
		return name
	}
	return fmt.Sprintf("asset-%d", id)
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a holder's free balance
func NewUserAccountKey(accountID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: accountID,
		SubType:  SubTypeFree,
		AssetID:  assetID,
	}
}

// NewPoolAccountKey creates the staking pool key for an asset
func NewPoolAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: PoolAccountID,
		SubType:  SubTypeStakingPool,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// HolderKey resolves an account id to its balance key. The pool id maps to
// the system pool account, anything else to a user account.
func HolderKey(accountID uuid.UUID, assetID AssetID) AccountKey {
	if accountID == PoolAccountID {
		return NewPoolAccountKey(assetID)
	}
	return NewUserAccountKey(accountID, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := assetLabel(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFree:
		return "free"
	case SubTypeStakingPool:
		return "staking_pool"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. The asset must be registered.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	asset := func(name string) (AssetID, error) {
		id, ok := GetAssetID(name)
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown asset %s", path, name)
		}
		return id, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "free":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(uid, id), nil
	case len(parts) == 3 && parts[0] == "system" && parts[1] == "staking_pool":
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewPoolAccountKey(id), nil
	case len(parts) == 3 && parts[0] == "external" && parts[1] == "issuance":
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(SubTypeExternalIssuance, id), nil
	}
	return AccountKey{}, fmt.Errorf("unrecognised account path %q", path)
}
