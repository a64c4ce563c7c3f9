package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoPages reads page content from the wiki's pages collection. Pages
// the wiki has not stored yet start as empty documents.
type MongoPages struct {
	pages *mongo.Collection
}

func NewMongoPages(db *mongo.Database) *MongoPages {
	return &MongoPages{pages: db.Collection("pages")}
}

func (p *MongoPages) InitialContent(ctx context.Context, pageID string) (string, error) {
	var doc struct {
		Content string `bson:"content"`
	}
	err := p.pages.FindOne(ctx, bson.M{"_id": pageID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load page %s: %w", pageID, err)
	}
	return doc.Content, nil
}

// MongoRevisions archives committed revisions.
type MongoRevisions struct {
	revisions *mongo.Collection
}

func NewMongoRevisions(db *mongo.Database) *MongoRevisions {
	return &MongoRevisions{revisions: db.Collection("revisions")}
}

func (r *MongoRevisions) SaveRevision(ctx context.Context, rev Revision) error {
	if _, err := r.revisions.InsertOne(ctx, rev); err != nil {
		return fmt.Errorf("save revision for page %s: %w", rev.PageID, err)
	}
	return nil
}
