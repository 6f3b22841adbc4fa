package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// listDocuments выполняет общую логику получения списка документов.
// T - тип документа для декодирования, R - тип результата.
// Ошибка декодирования прерывает выборку.
func listDocuments[T any, R any](
	ctx context.Context,
	collection *mongo.Collection,
	filter any,
	opts *options.FindOptionsBuilder,
	decoder func(*T) R,
	collectionName string,
) ([]R, error) {
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, HandleMongoError(err, collectionName)
	}
	defer cursor.Close(ctx)

	results := make([]R, 0)
	for cursor.Next(ctx) {
		var doc T
		if decodeErr := cursor.Decode(&doc); decodeErr != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", collectionName, decodeErr)
		}
		results = append(results, decoder(&doc))
	}

	if err = cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return results, nil
}
