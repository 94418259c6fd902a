package domain

import (
	"context"
	"io"
	"math/big"
	"time"
)

type Address = string

// State is the position of the wallet session in its lifecycle.
type State string

const (
	StateDisconnected             State = "disconnected"
	StateConnecting               State = "connecting"
	StateConnectedUnauthenticated State = "connected_unauthenticated"
	StateAuthenticating           State = "authenticating"
	StateConnectedAuthenticated   State = "connected_authenticated"
)

// SessionError is the last condition surfaced to callers.
type SessionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Snapshot is a read-only copy of the wallet session.
type Snapshot struct {
	State              State         `json:"state"`
	Address            Address       `json:"address"`
	IsConnected        bool          `json:"isConnected"`
	IsAuthenticated    bool          `json:"isAuthenticated"`
	NativeBalance      string        `json:"nativeBalance"`
	TokenBalance       string        `json:"tokenBalance"`
	NativeBalanceStale bool          `json:"nativeBalanceStale"`
	TokenBalanceStale  bool          `json:"tokenBalanceStale"`
	SessionToken       string        `json:"-"`
	TokenExpiresAt     *time.Time    `json:"tokenExpiresAt,omitempty"`
	LastError          *SessionError `json:"lastError,omitempty"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// AuthResult is what a successful handshake yields.
type AuthResult struct {
	Address   Address
	Token     string
	ExpiresAt *time.Time
}

// TransferEvent is an ERC-20 Transfer log touching a watched address.
type TransferEvent struct {
	From        Address
	To          Address
	Value       *big.Int
	TxHash      string
	BlockNumber uint64
	Removed     bool
}

type FileInfo struct {
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	Mimetype string `json:"mimetype"`
	Title    string `json:"title"`
}

type Profile struct {
	Address     Address   `json:"address"`
	Username    string    `json:"username"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Avatar      *FileInfo `json:"avatar,omitempty"`
	AvatarURL   string    `json:"avatarUrl"`
}

const (
	DefaultUsername    = "Web3 User"
	DefaultDescription = "I'm new to Web3 learning!"
)

// DefaultProfile is shown before anything is known about address.
func DefaultProfile(address Address) *Profile {
	return &Profile{
		Address:     address,
		Username:    DefaultUsername,
		Description: DefaultDescription,
	}
}

type Course struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Duration    string    `json:"duration"`
	ImgInfo     *FileInfo `json:"imgInfo,omitempty"`
	FileInfo    *FileInfo `json:"fileInfo,omitempty"`
	ImgURL      string    `json:"imgUrl"`
	FileURL     string    `json:"fileUrl"`
	CreatedAt   string    `json:"createdAt"`
	UpdatedAt   string    `json:"updatedAt"`
}

// Course levels offered by the submission form
const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
	LevelAllLevels    = "all-levels"
)

// CourseDraft is a new course submitted for review. ImageID and VideoID
// reference files already sent through the upload endpoint.
type CourseDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Level       string   `json:"level"`
	Icon        string   `json:"icon"`
	Tags        []string `json:"tags"`
	Duration    float64  `json:"duration"`
	ImageID     string   `json:"imageId"`
	VideoID     string   `json:"videoId"`
}

type UploadResult struct {
	FileID   string `json:"fileId"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ProfileUpdate carries the editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Username    *string   `json:"username,omitempty"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Avatar      *FileInfo `json:"avatar,omitempty"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
}

// WalletConnector is the wallet provider seen through the only calls the
// session needs.
type WalletConnector interface {
	Connect(ctx context.Context) (Address, error)
	Disconnect(ctx context.Context) error
	CurrentAddress() (Address, bool)
	// OnAccountsChanged delivers "" when the wallet no longer exposes an account.
	OnAccountsChanged(fn func(Address)) (unsubscribe func())
	SignMessage(ctx context.Context, address Address, message string) (string, error)
}

// ChainReader reads balances and watches token transfers for one token contract.
type ChainReader interface {
	NativeBalance(ctx context.Context, address Address) (*big.Int, error)
	TokenBalance(ctx context.Context, address Address) (*big.Int, error)
	TokenDecimals(ctx context.Context) (uint8, error)
	WatchTransfers(ctx context.Context, address Address, fn func(TransferEvent)) (unsubscribe func(), err error)
}

type AuthAPI interface {
	GetNonce(ctx context.Context, address Address) (string, error)
	ExchangeToken(ctx context.Context, req TokenRequest) (string, error)
}

type TokenRequest struct {
	Address   Address `json:"address"`
	Signature string  `json:"signature"`
	Nonce     string  `json:"nonce"`
	Message   string  `json:"message,omitempty"`
}

type ProfileAPI interface {
	FetchProfile(ctx context.Context, address Address, token string) (*Profile, error)
	Upload(ctx context.Context, token, filename string, content io.Reader) (*UploadResult, error)
}

type CourseAPI interface {
	ListCourses(ctx context.Context) ([]Course, error)
	CourseDetail(ctx context.Context, id string) (*Course, error)
	CreateCourse(ctx context.Context, token string, draft CourseDraft) (map[string]interface{}, error)
}

// TokenStore persists session tokens, one slot per address.
type TokenStore interface {
	LoadToken(ctx context.Context, address Address) (string, error)
	SaveToken(ctx context.Context, address Address, token string, ttl time.Duration) error
	DeleteToken(ctx context.Context, address Address) error
}

// ProfileCache persists the last known profile per address.
type ProfileCache interface {
	LoadProfile(ctx context.Context, address Address) (*Profile, error)
	SaveProfile(ctx context.Context, profile *Profile) error
	DeleteProfile(ctx context.Context, address Address) error
}
