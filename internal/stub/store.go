// Package stub is a local stand-in for the hosted backend: auth, row store
// and compute functions over one sqlite file. It is used for development
// and end-to-end tests of the client.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sandbox/internal/types"
)

var (
	ErrInvalidCredentials = errors.New("Invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("Email not confirmed")
	ErrUserExists         = errors.New("User already registered")
	ErrInvalidToken       = errors.New("Invalid Refresh Token")
	ErrNotFound           = errors.New("not found")
)

type userModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash"`
	Confirmed    bool      `gorm:"column:confirmed"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (userModel) TableName() string { return "users" }

type tokenModel struct {
	AccessToken  string    `gorm:"column:access_token;primaryKey"`
	RefreshToken string    `gorm:"column:refresh_token;uniqueIndex"`
	UserID       string    `gorm:"column:user_id;index"`
	ExpiresAt    time.Time `gorm:"column:expires_at"`
	Revoked      bool      `gorm:"column:revoked"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (tokenModel) TableName() string { return "tokens" }

type strategyModel struct {
	ID        string         `gorm:"column:id;primaryKey"`
	UserID    string         `gorm:"column:user_id;index"`
	Name      string         `gorm:"column:name"`
	Type      string         `gorm:"column:type"`
	Config    datatypes.JSON `gorm:"column:config;type:TEXT"`
	CreatedAt time.Time      `gorm:"column:created_at;index"`
}

func (strategyModel) TableName() string { return "strategies" }

type backtestModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	StrategyID     string    `gorm:"column:strategy_id;index"`
	UserID         string    `gorm:"column:user_id;index"`
	Symbol         string    `gorm:"column:symbol"`
	Timeframe      string    `gorm:"column:timeframe"`
	StartDate      string    `gorm:"column:start_date"`
	EndDate        string    `gorm:"column:end_date"`
	InitialCapital float64   `gorm:"column:initial_capital"`
	FinalCapital   float64   `gorm:"column:final_capital"`
	TotalReturn    float64   `gorm:"column:total_return"`
	MaxDrawdown    float64   `gorm:"column:max_drawdown"`
	WinRate        float64   `gorm:"column:win_rate"`
	TotalTrades    int       `gorm:"column:total_trades"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

func (backtestModel) TableName() string { return "backtests" }

// User is the public part of a stub account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Token is an issued access/refresh pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Store persists stub state with Gorm + SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenStore opens (and migrates) the sqlite file at path.
func OpenStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("stub store: db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&userModel{}, &tokenModel{}, &strategyModel{}, &backtestModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser registers email with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, email, password string, confirmed bool) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, fmt.Errorf("email and password are required")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&userModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	row := userModel{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Confirmed:    confirmed,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return User{}, err
	}
	return User{ID: row.ID, Email: row.Email}, nil
}

// ConfirmUser marks the account as confirmed.
func (s *Store) ConfirmUser(ctx context.Context, email string) error {
	res := s.db.WithContext(ctx).Model(&userModel{}).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Update("confirmed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate checks credentials.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	var row userModel
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	if !row.Confirmed {
		return User{}, ErrEmailNotConfirmed
	}
	return User{ID: row.ID, Email: row.Email}, nil
}

// IssueToken creates a new token pair for user.
func (s *Store) IssueToken(ctx context.Context, user User, ttl time.Duration) (Token, error) {
	now := s.now().UTC()
	row := tokenModel{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		UserID:       user.ID,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Token{}, err
	}
	return Token{AccessToken: row.AccessToken, RefreshToken: row.RefreshToken, ExpiresAt: row.ExpiresAt, User: user}, nil
}

// Refresh rotates a refresh token: the old pair is revoked and a new one issued.
func (s *Store) Refresh(ctx context.Context, refreshToken string, ttl time.Duration) (Token, error) {
	var out Token
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row tokenModel
		err := tx.Where("refresh_token = ? AND revoked = ?", refreshToken, false).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		var user userModel
		if err := tx.Where("id = ?", row.UserID).First(&user).Error; err != nil {
			return ErrInvalidToken
		}
		if err := tx.Model(&tokenModel{}).Where("access_token = ?", row.AccessToken).Update("revoked", true).Error; err != nil {
			return err
		}
		now := s.now().UTC()
		next := tokenModel{
			AccessToken:  uuid.NewString(),
			RefreshToken: uuid.NewString(),
			UserID:       row.UserID,
			ExpiresAt:    now.Add(ttl),
			CreatedAt:    now,
		}
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		out = Token{
			AccessToken:  next.AccessToken,
			RefreshToken: next.RefreshToken,
			ExpiresAt:    next.ExpiresAt,
			User:         User{ID: user.ID, Email: user.Email},
		}
		return nil
	})
	return out, err
}

// UserForToken resolves a live access token.
func (s *Store) UserForToken(ctx context.Context, accessToken string) (User, error) {
	var row tokenModel
	err := s.db.WithContext(ctx).Where("access_token = ? AND revoked = ?", accessToken, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidToken
	}
	if err != nil {
		return User{}, err
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return User{}, ErrInvalidToken
	}
	var user userModel
	if err := s.db.WithContext(ctx).Where("id = ?", row.UserID).First(&user).Error; err != nil {
		return User{}, ErrInvalidToken
	}
	return User{ID: user.ID, Email: user.Email}, nil
}

// Revoke invalidates an access token and its refresh token.
func (s *Store) Revoke(ctx context.Context, accessToken string) error {
	return s.db.WithContext(ctx).Model(&tokenModel{}).
		Where("access_token = ?", accessToken).
		Update("revoked", true).Error
}

// ListStrategies returns userID's strategies, newest first.
func (s *Store) ListStrategies(ctx context.Context, userID string) ([]types.Strategy, error) {
	var rows []strategyModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Strategy, 0, len(rows))
	for _, row := range rows {
		st, err := row.toStrategy()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// GetStrategy returns one strategy owned by userID.
func (s *Store) GetStrategy(ctx context.Context, userID, id string) (types.Strategy, error) {
	var row strategyModel
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Strategy{}, ErrNotFound
	}
	if err != nil {
		return types.Strategy{}, err
	}
	return row.toStrategy()
}

// CreateStrategy inserts a strategy row.
func (s *Store) CreateStrategy(ctx context.Context, userID, name string, typ types.StrategyType, cfg map[string]any) (types.Strategy, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return types.Strategy{}, fmt.Errorf("encode strategy config: %w", err)
	}
	row := strategyModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Type:      string(typ),
		Config:    datatypes.JSON(raw),
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.Strategy{}, err
	}
	return row.toStrategy()
}

// ListBacktests returns userID's backtests, newest first.
func (s *Store) ListBacktests(ctx context.Context, userID string) ([]types.Backtest, error) {
	var rows []backtestModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Backtest, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toBacktest())
	}
	return out, nil
}

// SaveBacktest stores a result, assigning id and timestamp.
func (s *Store) SaveBacktest(ctx context.Context, bt types.Backtest) (types.Backtest, error) {
	row := backtestModel{
		ID:             uuid.NewString(),
		StrategyID:     bt.StrategyID,
		UserID:         bt.UserID,
		Symbol:         bt.Symbol,
		Timeframe:      bt.Timeframe,
		StartDate:      bt.StartDate,
		EndDate:        bt.EndDate,
		InitialCapital: bt.InitialCapital,
		FinalCapital:   bt.FinalCapital,
		TotalReturn:    bt.TotalReturn,
		MaxDrawdown:    bt.MaxDrawdown,
		WinRate:        bt.WinRate,
		TotalTrades:    bt.TotalTrades,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.Backtest{}, err
	}
	return row.toBacktest(), nil
}

func (m strategyModel) toStrategy() (types.Strategy, error) {
	cfg := map[string]any{}
	if len(m.Config) > 0 {
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return types.Strategy{}, fmt.Errorf("decode strategy %s config: %w", m.ID, err)
		}
	}
	return types.Strategy{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		Type:      types.StrategyType(m.Type),
		Config:    cfg,
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}

func (m backtestModel) toBacktest() types.Backtest {
	return types.Backtest{
		ID:             m.ID,
		StrategyID:     m.StrategyID,
		UserID:         m.UserID,
		Symbol:         m.Symbol,
		Timeframe:      m.Timeframe,
		StartDate:      m.StartDate,
		EndDate:        m.EndDate,
		InitialCapital: m.InitialCapital,
		FinalCapital:   m.FinalCapital,
		TotalReturn:    m.TotalReturn,
		MaxDrawdown:    m.MaxDrawdown,
		WinRate:        m.WinRate,
		TotalTrades:    m.TotalTrades,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}
