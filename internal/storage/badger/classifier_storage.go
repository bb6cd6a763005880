package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ClassifierStorage implements the ClassifierStorage interface for Badger
type ClassifierStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewClassifierStorage creates a new ClassifierStorage instance
func NewClassifierStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ClassifierStorage {
	return &ClassifierStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ClassifierStorage) SaveClassifier(ctx context.Context, classifier *models.Classifier) error {
	if err := classifier.Validate(); err != nil {
		return err
	}
	if err := s.db.Upsert(classifier.Name, classifier); err != nil {
		return fmt.Errorf("failed to save classifier: %w", err)
	}
	return nil
}

func (s *ClassifierStorage) GetClassifier(ctx context.Context, name string) (*models.Classifier, error) {
	var classifier models.Classifier
	if err := s.db.Store().Get(name, &classifier); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("classifier %s: %w", name, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get classifier: %w", err)
	}
	return &classifier, nil
}

func (s *ClassifierStorage) ListClassifiers(ctx context.Context) ([]*models.Classifier, error) {
	var classifiers []models.Classifier
	if err := s.db.Store().Find(&classifiers, badgerhold.Where("Name").Ne("").SortBy("Name")); err != nil {
		return nil, fmt.Errorf("failed to list classifiers: %w", err)
	}
	return toPointers(classifiers), nil
}
