// Package services contains the concrete collaborators behind the pipeline interfaces:
// persistence, model providers, and retrieval.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/finquill/finquill/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a guarded write loses against the stored state,
	// such as an illegal document status transition.
	ErrConflict = errors.New("conflicting state")
)

var (
	chatsBucket     = []byte("chats")
	messagesBucket  = []byte("messages")
	documentsBucket = []byte("documents")
)

// BoltStore implements the persistence surface of the chat, report, and document
// pipelines on a BoltDB backend. Chats, messages, and documents are stored as JSON
// values; per-chat ordering and attachment indexes live in derived buckets.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens the database at path, creating it with 0600 permissions if it
// doesn't exist, and initializes the top-level buckets.
func NewBoltStore(path string) (BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltStore{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, messagesBucket, documentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})

	return BoltStore{db: db, now: time.Now}, err
}

// Close closes the underlying database file.
func (b BoltStore) Close() error {
	return b.db.Close()
}

func chatOrderBucketName(chatID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func chatDocsBucketName(chatID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("chat-docs-%s", chatID))
}

func chunksBucketName(userID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("chunks-%s", userID))
}

// CreateChat stores a new untitled chat for the user and creates its ordering and
// attachment buckets.
func (b BoltStore) CreateChat(_ context.Context, userID uuid.UUID) (models.Chat, error) {
	chat := models.Chat{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: b.now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chatOrderBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create order bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(chatDocsBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create attachment bucket: %w", err)
		}
		return putJSON(tx.Bucket(chatsBucket), chat.ID[:], chat)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chat retrieves a single chat by id.
func (b BoltStore) Chat(_ context.Context, id uuid.UUID) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(chatsBucket), id[:], &chat)
	})
	return chat, err
}

// Chats retrieves all chats owned by the user, most recent first.
func (b BoltStore) Chats(_ context.Context, userID uuid.UUID) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID == userID {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(chats)-1; i < j; i, j = i+1, j-1 {
		chats[i], chats[j] = chats[j], chats[i]
	}
	return chats, nil
}

// SetChatTitle persists the chat title and reports whether it was applied. When
// overwrite is false, the still-untitled check runs inside the same transaction that
// writes the title, so two concurrent turns cannot both title the chat.
func (b BoltStore) SetChatTitle(_ context.Context, chatID uuid.UUID, title string, overwrite bool) (bool, error) {
	var applied bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		var chat models.Chat
		if err := getJSON(bucket, chatID[:], &chat); err != nil {
			return err
		}
		if chat.Title != "" && !overwrite {
			return nil
		}
		chat.Title = title
		applied = true
		return putJSON(bucket, chatID[:], chat)
	})
	return applied, err
}

// ChatMessage retrieves a single message by id.
func (b BoltStore) ChatMessage(_ context.Context, id uuid.UUID) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(messagesBucket), id[:], &message)
	})
	return message, err
}

// AddChatMessage assigns the message an id and a timestamp and stores it, appending it
// to the chat's ordering index inside the same transaction.
func (b BoltStore) AddChatMessage(_ context.Context, message models.ChatMessage) (models.ChatMessage, error) {
	message.ID = uuid.New()
	message.CreatedAt = b.now()

	err := b.db.Update(func(tx *bolt.Tx) error {
		order, err := tx.CreateBucketIfNotExists(chatOrderBucketName(message.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create order bucket: %w", err)
		}
		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		if err := order.Put([]byte(fmt.Sprintf("%020d", seq)), message.ID[:]); err != nil {
			return err
		}
		return putJSON(tx.Bucket(messagesBucket), message.ID[:], message)
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// ChatHistory retrieves up to limit messages of the chat created before the given time,
// in chronological order.
func (b BoltStore) ChatHistory(_ context.Context, chatID uuid.UUID, before time.Time, limit int) ([]models.ChatMessage, error) {
	var history []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		order := tx.Bucket(chatOrderBucketName(chatID))
		if order == nil {
			return nil
		}
		messages := tx.Bucket(messagesBucket)

		// Walk the ordering index newest-first so the limit keeps the most recent
		// turns, then reverse.
		c := order.Cursor()
		for k, id := c.Last(); k != nil && len(history) < limit; k, id = c.Prev() {
			var message models.ChatMessage
			if err := getJSON(messages, id, &message); err != nil {
				return err
			}
			if !message.CreatedAt.Before(before) {
				continue
			}
			history = append(history, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// CreateDocument stores a new document in status uploading and attaches it to the chat.
func (b BoltStore) CreateDocument(_ context.Context, chatID, userID uuid.UUID, filename, storagePath string) (models.Document, error) {
	now := b.now()
	doc := models.Document{
		ID:          uuid.New(),
		UserID:      userID,
		Filename:    filename,
		StoragePath: storagePath,
		Status:      models.DocumentUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		attachments, err := tx.CreateBucketIfNotExists(chatDocsBucketName(chatID))
		if err != nil {
			return fmt.Errorf("failed to create attachment bucket: %w", err)
		}
		if err := attachments.Put(doc.ID[:], nil); err != nil {
			return err
		}
		return putJSON(tx.Bucket(documentsBucket), doc.ID[:], doc)
	})
	if err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

// Document retrieves a single document by id.
func (b BoltStore) Document(_ context.Context, id uuid.UUID) (models.Document, error) {
	var doc models.Document
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(documentsBucket), id[:], &doc)
	})
	return doc, err
}

// ChatDocumentIDs retrieves the ids of all documents attached to the chat.
func (b BoltStore) ChatDocumentIDs(_ context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := b.db.View(func(tx *bolt.Tx) error {
		attachments := tx.Bucket(chatDocsBucketName(chatID))
		if attachments == nil {
			return nil
		}
		return attachments.ForEach(func(k, _ []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return fmt.Errorf("failed to parse attachment key: %w", err)
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

// TransitionDocument applies a status change guarded by the lifecycle rules. An illegal
// transition returns ErrConflict and leaves the record untouched; a legal one clears
// any prior error annotation.
func (b BoltStore) TransitionDocument(_ context.Context, id uuid.UUID, to models.DocumentStatus) (models.Document, error) {
	var doc models.Document
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(documentsBucket)
		if err := getJSON(bucket, id[:], &doc); err != nil {
			return err
		}
		if !models.CanTransition(doc.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrConflict, doc.Status, to)
		}
		doc.Status = to
		doc.UpdatedAt = b.now()
		doc.Error = nil
		doc.ErroredAt = nil
		return putJSON(bucket, id[:], doc)
	})
	if err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

// RecordDocumentError annotates the document with an ingestion error without changing
// its status.
func (b BoltStore) RecordDocumentError(_ context.Context, id uuid.UUID, docErr models.DocumentError) (models.Document, error) {
	var doc models.Document
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(documentsBucket)
		if err := getJSON(bucket, id[:], &doc); err != nil {
			return err
		}
		now := b.now()
		doc.Error = &docErr
		doc.ErroredAt = &now
		doc.UpdatedAt = now
		return putJSON(bucket, id[:], doc)
	})
	if err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

// PutChunks replaces the indexed chunks of a document within the user's tenant bucket.
func (b BoltStore) PutChunks(_ context.Context, userID, documentID uuid.UUID, chunks []string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(chunksBucketName(userID))
		if err != nil {
			return fmt.Errorf("failed to create chunks bucket: %w", err)
		}

		// Drop any chunks from a previous ingestion run of this document.
		c := bucket.Cursor()
		prefix := []byte(documentID.String() + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		for i, chunk := range chunks {
			key := fmt.Sprintf("%s/%06d", documentID, i)
			if err := bucket.Put([]byte(key), []byte(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Chunks retrieves the indexed chunks of the given documents within the user's tenant
// bucket, keyed by chunk id.
func (b BoltStore) Chunks(_ context.Context, userID uuid.UUID, documentIDs []uuid.UUID) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chunksBucketName(userID))
		if bucket == nil {
			return nil
		}
		for _, docID := range documentIDs {
			c := bucket.Cursor()
			prefix := []byte(docID.String() + "/")
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				out[string(k)] = string(v)
			}
		}
		return nil
	})
	return out, err
}

func getJSON(bucket *bolt.Bucket, key []byte, out any) error {
	v := bucket.Get(key)
	if v == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

func putJSON(bucket *bolt.Bucket, key []byte, in any) error {
	v, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return bucket.Put(key, v)
}
