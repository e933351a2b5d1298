package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/uptrace/bun"
)

type gameInstanceRow struct {
	bun.BaseModel `bun:"table:game_instances"`

	ID           string     `bun:"id,pk"`
	AccessCode   string     `bun:"access_code"`
	TemplateID   string     `bun:"template_id"`
	OwnerID      string     `bun:"owner_id"`
	Mode         string     `bun:"mode"`
	Status       string     `bun:"status"`
	QuestionUIDs []string   `bun:"question_uids,array"`
	DeferredFrom *time.Time `bun:"deferred_from"`
	DeferredTo   *time.Time `bun:"deferred_to"`
	CreatedAt    time.Time  `bun:"created_at"`
	CompletedAt  *time.Time `bun:"completed_at"`
}

type participantRow struct {
	bun.BaseModel `bun:"table:game_participants"`

	InstanceID  string     `bun:"instance_id,pk"`
	UserID      string     `bun:"user_id,pk"`
	Username    string     `bun:"username"`
	Avatar      string     `bun:"avatar"`
	Score       int        `bun:"score"`
	Rank        *int       `bun:"rank"`
	JoinedAt    time.Time  `bun:"joined_at"`
	CompletedAt *time.Time `bun:"completed_at"`
}

// InstanceStore is the durable record of game instances and their scores,
// backed by bun.
type InstanceStore struct {
	db *bun.DB
}

func NewInstanceStore(db *bun.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) CreateInstance(ctx context.Context, instance domain.GameInstance) error {
	row := gameInstanceRow{
		ID:           instance.ID,
		AccessCode:   instance.AccessCode,
		TemplateID:   instance.TemplateID,
		OwnerID:      instance.OwnerID,
		Mode:         string(instance.Mode),
		Status:       string(instance.Status),
		QuestionUIDs: instance.QuestionUIDs,
		DeferredFrom: instance.DeferredFrom,
		DeferredTo:   instance.DeferredTo,
		CreatedAt:    instance.CreatedAt,
	}
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return err
}

func (s *InstanceStore) InstanceByAccessCode(ctx context.Context, accessCode string) (domain.GameInstance, error) {
	var row gameInstanceRow
	err := s.db.NewSelect().Model(&row).Where("access_code = ?", accessCode).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GameInstance{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.GameInstance{}, err
	}
	return domain.GameInstance{
		ID:           row.ID,
		AccessCode:   row.AccessCode,
		TemplateID:   row.TemplateID,
		OwnerID:      row.OwnerID,
		Mode:         domain.PlayMode(row.Mode),
		Status:       domain.GameStatus(row.Status),
		QuestionUIDs: row.QuestionUIDs,
		DeferredFrom: row.DeferredFrom,
		DeferredTo:   row.DeferredTo,
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}, nil
}

func (s *InstanceStore) AccessCodeExists(ctx context.Context, accessCode string) (bool, error) {
	return s.db.NewSelect().Model((*gameInstanceRow)(nil)).Where("access_code = ?", accessCode).Exists(ctx)
}

func (s *InstanceStore) CompleteInstance(ctx context.Context, instanceID string, completedAt time.Time) error {
	res, err := s.db.NewUpdate().Model((*gameInstanceRow)(nil)).
		Set("status = ?", string(domain.StatusCompleted)).
		Set("completed_at = ?", completedAt).
		Where("id = ?", instanceID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// RecordJoin upserts the participant so that a rejoin only refreshes the
// display fields.
func (s *InstanceStore) RecordJoin(ctx context.Context, instanceID string, p domain.Participant) error {
	row := participantRow{
		InstanceID: instanceID,
		UserID:     p.UserID,
		Username:   p.Username,
		Avatar:     p.Avatar,
		JoinedAt:   p.JoinedAt,
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (instance_id, user_id) DO UPDATE").
		Set("username = EXCLUDED.username").
		Set("avatar = EXCLUDED.avatar").
		Exec(ctx)
	return err
}

// SaveFinalScores writes all final scores in one transaction. Running it
// again overwrites the previous result.
func (s *InstanceStore) SaveFinalScores(ctx context.Context, instanceID string, scores []domain.FinalScore, completedAt time.Time) error {
	if len(scores) == 0 {
		return nil
	}
	rows := make([]participantRow, 0, len(scores))
	for _, fs := range scores {
		rank := fs.Rank
		at := completedAt
		joined := fs.JoinedAt
		if joined.IsZero() {
			joined = completedAt
		}
		rows = append(rows, participantRow{
			InstanceID:  instanceID,
			UserID:      fs.UserID,
			Username:    fs.Username,
			Avatar:      fs.Avatar,
			Score:       fs.Score,
			Rank:        &rank,
			JoinedAt:    joined,
			CompletedAt: &at,
		})
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&rows).
			On("CONFLICT (instance_id, user_id) DO UPDATE").
			Set("score = EXCLUDED.score").
			Set("rank = EXCLUDED.rank").
			Set("completed_at = EXCLUDED.completed_at").
			Exec(ctx)
		return err
	})
}

// FinalScores lists the stored scores of an instance ordered by rank.
func (s *InstanceStore) FinalScores(ctx context.Context, instanceID string) ([]domain.FinalScore, error) {
	var rows []participantRow
	err := s.db.NewSelect().Model(&rows).
		Where("instance_id = ?", instanceID).
		Where("completed_at IS NOT NULL").
		OrderExpr("rank ASC, username ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FinalScore, 0, len(rows))
	for _, r := range rows {
		fs := domain.FinalScore{
			UserID:   r.UserID,
			Username: r.Username,
			Avatar:   r.Avatar,
			Score:    r.Score,
			JoinedAt: r.JoinedAt,
		}
		if r.Rank != nil {
			fs.Rank = *r.Rank
		}
		out = append(out, fs)
	}
	return out, nil
}
