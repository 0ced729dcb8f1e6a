package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"github.com/smallbiznis/creditgate/pkg/db"
	"github.com/smallbiznis/creditgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	PlanSvc    plandomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	plansvc    plandomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditsdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credits.service"),
		genID:      p.GenID,
		plansvc:    p.PlanSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// errIdempotencyConflict aborts the transaction when a concurrent request
// committed the same idempotency key between our replay check and insert.
// The rollback undoes the balance decrement; the caller then replays.
var errIdempotencyConflict = errors.New("idempotency_conflict")

func (s *Service) HasCredits(ctx context.Context, userID, key string, amount int64) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, creditsdomain.ErrInvalidUser
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, creditsdomain.ErrInvalidKey
	}
	if amount <= 0 {
		return false, creditsdomain.ErrInvalidAmount
	}

	info, err := s.GetBalance(ctx, userID, key)
	if err != nil {
		return false, err
	}
	return info.Balance >= amount, nil
}

func (s *Service) Consume(ctx context.Context, req creditsdomain.ConsumeRequest) (creditsdomain.ConsumeResult, error) {
	var res creditsdomain.ConsumeResult

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return res, creditsdomain.ErrInvalidUser
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return res, creditsdomain.ErrInvalidKey
	}
	if req.Amount <= 0 {
		return res, creditsdomain.ErrInvalidAmount
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	allocation, err := s.resolveAllocation(ctx, userID, key)
	if err != nil {
		return res, err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			existing, err := s.findByIdempotencyKey(ctx, tx, userID, key, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				res = creditsdomain.ConsumeResult{
					Allowed:      true,
					BalanceAfter: existing.BalanceAfter,
					Replayed:     true,
				}
				return nil
			}
		}

		if err := s.ensureBalance(ctx, tx, userID, key, allocation); err != nil {
			return err
		}

		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_balances
			    SET balance = balance - ?, updated_at = ?
			  WHERE user_id = ? AND key = ? AND balance >= ?`,
			req.Amount,
			now,
			userID,
			key,
			req.Amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Insufficient balance: a normal denial, not an error. No
			// ledger entry is written.
			balance, err := s.readBalance(ctx, tx, userID, key)
			if err != nil {
				return err
			}
			res = creditsdomain.ConsumeResult{Allowed: false, BalanceAfter: balance}
			return nil
		}

		balanceAfter, err := s.readBalance(ctx, tx, userID, key)
		if err != nil {
			return err
		}

		entry := creditsdomain.CreditLedgerEntry{
			ID:              s.genID.Generate(),
			UserID:          userID,
			Key:             key,
			Amount:          -req.Amount,
			BalanceAfter:    balanceAfter,
			TransactionType: creditsdomain.TransactionTypeConsumption,
			Source:          creditsdomain.SourceAPIUsage,
			Description:     req.Description,
			CreatedAt:       now,
		}
		if idempotencyKey != "" {
			entry.IdempotencyKey = &idempotencyKey
		}
		if req.Metadata != nil {
			entry.Metadata = datatypes.JSONMap(req.Metadata)
		}

		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errIdempotencyConflict
			}
			return err
		}

		res = creditsdomain.ConsumeResult{Allowed: true, BalanceAfter: balanceAfter}
		return nil
	})

	if errors.Is(txErr, errIdempotencyConflict) {
		existing, err := s.findByIdempotencyKey(ctx, s.db, userID, key, idempotencyKey)
		if err != nil {
			return res, classifyStoreErr(err)
		}
		if existing != nil {
			s.recordConsume(ctx, key, "replayed")
			return creditsdomain.ConsumeResult{
				Allowed:      true,
				BalanceAfter: existing.BalanceAfter,
				Replayed:     true,
			}, nil
		}
		// The key is taken, but by a different (user, key) scope.
		return res, creditsdomain.ErrIdempotencyConflict
	}
	if txErr != nil {
		return res, classifyStoreErr(txErr)
	}

	switch {
	case res.Replayed:
		s.recordConsume(ctx, key, "replayed")
	case res.Allowed:
		s.recordConsume(ctx, key, "allowed")
		if s.obsMetrics != nil {
			s.obsMetrics.RecordLedgerEntry(ctx, string(creditsdomain.TransactionTypeConsumption))
		}
	default:
		s.recordConsume(ctx, key, "denied")
	}
	return res, nil
}

func (s *Service) Allocate(ctx context.Context, req creditsdomain.AllocateRequest) (int64, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return 0, creditsdomain.ErrInvalidUser
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return 0, creditsdomain.ErrInvalidKey
	}
	if req.Amount <= 0 {
		return 0, creditsdomain.ErrInvalidAmount
	}

	transactionType := req.TransactionType
	if transactionType == "" {
		transactionType = creditsdomain.TransactionTypeAllocation
	}
	switch transactionType {
	case creditsdomain.TransactionTypeAllocation,
		creditsdomain.TransactionTypeAdjustment,
		creditsdomain.TransactionTypeRefund:
	default:
		return 0, creditsdomain.ErrInvalidTransaction
	}

	source := req.Source
	if source == "" {
		source = creditsdomain.SourceManualAdjustment
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	// Materialize the balance first so a top-up lands on top of the plan's
	// implicit allocation instead of replacing it. Keys outside the plan
	// catalog are still creditable; they just start from zero.
	allocation, err := s.resolveAllocation(ctx, userID, key)
	if err != nil && !errors.Is(err, creditsdomain.ErrUnknownFeature) {
		return 0, err
	}

	var balanceAfter int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			existing, err := s.findByIdempotencyKey(ctx, tx, userID, key, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				balanceAfter = existing.BalanceAfter
				return nil
			}
		}

		if err := s.ensureBalance(ctx, tx, userID, key, allocation); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_balances
			    SET balance = balance + ?, updated_at = ?
			  WHERE user_id = ? AND key = ?`,
			req.Amount,
			now,
			userID,
			key,
		).Error; err != nil {
			return err
		}

		balance, err := s.readBalance(ctx, tx, userID, key)
		if err != nil {
			return err
		}

		var sourceID *string
		if trimmed := strings.TrimSpace(req.SourceID); trimmed != "" {
			sourceID = &trimmed
		}
		entry := creditsdomain.CreditLedgerEntry{
			ID:              s.genID.Generate(),
			UserID:          userID,
			Key:             key,
			Amount:          req.Amount,
			BalanceAfter:    balance,
			TransactionType: transactionType,
			Source:          source,
			SourceID:        sourceID,
			Description:     req.Description,
			CreatedAt:       now,
		}
		if idempotencyKey != "" {
			entry.IdempotencyKey = &idempotencyKey
		}

		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errIdempotencyConflict
			}
			return err
		}

		balanceAfter = balance
		return nil
	})

	if errors.Is(txErr, errIdempotencyConflict) {
		existing, err := s.findByIdempotencyKey(ctx, s.db, userID, key, idempotencyKey)
		if err != nil {
			return 0, classifyStoreErr(err)
		}
		if existing != nil {
			return existing.BalanceAfter, nil
		}
		return 0, creditsdomain.ErrIdempotencyConflict
	}
	if txErr != nil {
		return 0, classifyStoreErr(txErr)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(transactionType))
	}
	return balanceAfter, nil
}

func (s *Service) GetBalance(ctx context.Context, userID, key string) (creditsdomain.BalanceInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditsdomain.BalanceInfo{}, creditsdomain.ErrInvalidUser
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return creditsdomain.BalanceInfo{}, creditsdomain.ErrInvalidKey
	}

	allocation, err := s.resolveAllocation(ctx, userID, key)
	if err != nil {
		return creditsdomain.BalanceInfo{}, err
	}

	var row creditsdomain.CreditBalance
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND key = ?", userID, key).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No row yet: the plan allocation is the effective balance
			// until the first consume materializes it.
			return creditsdomain.BalanceInfo{Balance: allocation, Allocation: allocation}, nil
		}
		return creditsdomain.BalanceInfo{}, classifyStoreErr(err)
	}

	return creditsdomain.BalanceInfo{Balance: row.Balance, Allocation: allocation}, nil
}

func (s *Service) ListLedger(ctx context.Context, req creditsdomain.ListLedgerRequest) (creditsdomain.ListLedgerResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return creditsdomain.ListLedgerResponse{}, creditsdomain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(pageSize + 1)

	if key := strings.TrimSpace(req.Key); key != "" {
		query = query.Where("key = ?", key)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return creditsdomain.ListLedgerResponse{}, creditsdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return creditsdomain.ListLedgerResponse{}, creditsdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return creditsdomain.ListLedgerResponse{}, creditsdomain.ErrInvalidPageToken
		}
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var entries []creditsdomain.CreditLedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return creditsdomain.ListLedgerResponse{}, classifyStoreErr(err)
	}

	resp := creditsdomain.ListLedgerResponse{}
	if len(entries) > pageSize {
		entries = entries[:pageSize]
		last := entries[len(entries)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			resp.NextPageToken = token
			resp.HasMore = true
		}
	}
	resp.Entries = entries
	return resp, nil
}

// resolveAllocation maps plan errors into the gate's error taxonomy.
func (s *Service) resolveAllocation(ctx context.Context, userID, key string) (int64, error) {
	allocation, err := s.plansvc.AllocationFor(ctx, userID, key)
	if err != nil {
		if errors.Is(err, plandomain.ErrUnknownFeature) {
			return 0, creditsdomain.ErrUnknownFeature
		}
		if errors.Is(err, plandomain.ErrInvalidUser) {
			return 0, creditsdomain.ErrInvalidUser
		}
		return 0, classifyStoreErr(err)
	}
	return allocation, nil
}

// ensureBalance materializes the balance row on first touch. The initial
// plan allocation is written as a real ledger entry so the ledger always
// reconciles to the balance.
func (s *Service) ensureBalance(ctx context.Context, tx *gorm.DB, userID, key string, allocation int64) error {
	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (user_id, key, balance, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO NOTHING`,
		userID,
		key,
		allocation,
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 || allocation == 0 {
		return nil
	}

	periodID := now.Format("2006-01")
	return tx.WithContext(ctx).Create(&creditsdomain.CreditLedgerEntry{
		ID:              s.genID.Generate(),
		UserID:          userID,
		Key:             key,
		Amount:          allocation,
		BalanceAfter:    allocation,
		TransactionType: creditsdomain.TransactionTypeAllocation,
		Source:          creditsdomain.SourcePlanInitial,
		SourceID:        &periodID,
		Description:     "initial plan allocation",
		CreatedAt:       now,
	}).Error
}

// findByIdempotencyKey looks up a prior entry for replay. The lookup is
// scoped to (user, key): an entry recorded under a different scope never
// replays, it conflicts.
func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, userID, key, idempotencyKey string) (*creditsdomain.CreditLedgerEntry, error) {
	var entry creditsdomain.CreditLedgerEntry
	err := tx.WithContext(ctx).
		Where("idempotency_key = ? AND user_id = ? AND key = ?", idempotencyKey, userID, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) readBalance(ctx context.Context, tx *gorm.DB, userID, key string) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).
		Model(&creditsdomain.CreditBalance{}).
		Where("user_id = ? AND key = ?", userID, key).
		Select("balance").
		Scan(&balance).Error
	return balance, err
}

func (s *Service) recordConsume(ctx context.Context, key, result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordConsume(ctx, key, result)
	}
}

// classifyStoreErr marks unexpected storage failures as transient so
// callers know a retry with the same idempotency key is safe.
func classifyStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, creditsdomain.ErrInvalidUser),
		errors.Is(err, creditsdomain.ErrInvalidKey),
		errors.Is(err, creditsdomain.ErrInvalidAmount),
		errors.Is(err, creditsdomain.ErrInvalidTransaction),
		errors.Is(err, creditsdomain.ErrUnknownFeature),
		errors.Is(err, creditsdomain.ErrIdempotencyConflict),
		errors.Is(err, creditsdomain.ErrStoreUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(creditsdomain.ErrStoreUnavailable, err)
	default:
		return errors.Join(creditsdomain.ErrStoreUnavailable, err)
	}
}
