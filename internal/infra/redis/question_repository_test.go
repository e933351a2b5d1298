package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

func TestQuestionRepositoryCachesInRedis(t *testing.T) {
	mr, client := runRedis(t)

	loader := &countingLoader{
		QuestionLoader: memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{
			"tpl-1": sampleSet(),
		}),
	}
	repo := NewQuestionRepository(client, loader, time.Minute)

	set, err := repo.QuestionSet(context.Background(), "tpl-1")
	if err != nil {
		t.Fatalf("get set: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.count())
	}
	if !mr.Exists("game:questions:tpl-1") {
		t.Fatalf("expected cached question set")
	}

	// A second repository stands in for another process sharing the cache.
	other := NewQuestionRepository(client, loader, time.Minute)
	cached, err := other.QuestionSet(context.Background(), "tpl-1")
	if err != nil {
		t.Fatalf("get cached set: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.count())
	}
	if len(cached.Questions) != len(set.Questions) || cached.Questions[0].CorrectAnswers[1] != true {
		t.Fatalf("cached set differs: %+v", cached)
	}
}

func TestQuestionRepositoryCollapsesConcurrentMisses(t *testing.T) {
	_, client := runRedis(t)
	loader := &countingLoader{
		QuestionLoader: memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{"tpl-1": sampleSet()}),
		delay:          20 * time.Millisecond,
	}
	repo := NewQuestionRepository(client, loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.QuestionSet(context.Background(), "tpl-1"); err != nil {
				t.Errorf("get set: %v", err)
			}
		}()
	}
	wg.Wait()
	if loader.count() != 1 {
		t.Fatalf("expected one load for concurrent misses, got %d", loader.count())
	}
}

type countingLoader struct {
	memory.QuestionLoader
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuestionSet(ctx context.Context, templateID string) (domain.QuestionSet, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	time.Sleep(l.delay)
	return l.QuestionLoader.LoadQuestionSet(ctx, templateID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleSet() domain.QuestionSet {
	return domain.QuestionSet{
		TemplateID: "tpl-1",
		Questions: []domain.Question{
			{
				UID:            "q1",
				Type:           domain.SingleChoice,
				Text:           "What is 2 + 2?",
				Options:        []string{"3", "4"},
				CorrectAnswers: []bool{false, true},
				TimeLimitMs:    20000,
				Points:         1,
			},
		},
	}
}
