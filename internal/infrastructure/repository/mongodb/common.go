// Package mongodb implements the order projection store on MongoDB.
package mongodb

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/orderledger/internal/domain/errs"
)

// HandleMongoError преобразует ошибку MongoDB в доменную ошибку.
// Возвращает:
//   - nil если err == nil
//   - errs.ErrNotFound если документ не найден
//   - errs.ErrAlreadyExists если нарушен unique constraint
//   - обернутую ошибку для остальных случаев
func HandleMongoError(err error, resourceType string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrNotFound
	}

	if mongo.IsDuplicateKeyError(err) {
		return errs.ErrAlreadyExists
	}

	return fmt.Errorf("failed to operate on %s: %w", resourceType, err)
}

// ReplaceUpsertOptions возвращает опции replace с созданием документа при отсутствии.
func ReplaceUpsertOptions() *options.ReplaceOptionsBuilder {
	return options.Replace().SetUpsert(true)
}

// FindWithPagination возвращает опции find с пагинацией и сортировкой.
// limit <= 0 означает выборку без ограничения.
func FindWithPagination(offset, limit int, sortField string, sortOrder int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: sortOrder}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}
