// Package analytics mirrors SendLog rows into Elasticsearch for reporting.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "mailer-send-logs"

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":             {"type": "keyword"},
      "accountId":      {"type": "keyword"},
      "campaignId":     {"type": "keyword"},
      "enrollmentId":   {"type": "keyword"},
      "stepId":         {"type": "keyword"},
      "recipientEmail": {"type": "keyword"},
      "subject":        {"type": "text"},
      "status":         {"type": "keyword"},
      "errorCode":      {"type": "keyword"},
      "errorMessage":   {"type": "text"},
      "attempts":       {"type": "integer"},
      "createdAt":      {"type": "date"}
    }
  }
}`

// Indexer writes one document per SendLog, keyed by the log id so a
// re-index overwrites instead of duplicating.
type Indexer struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{
		client:  client,
		index:   index,
		timeout: 5 * time.Second,
		logger:  log.WithFields(map[string]interface{}{"component": "analytics", "index": index}),
	}
}

// EnsureIndex creates the index with its mapping unless it already exists.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req := esapi.IndicesCreateRequest{
		Index: i.index,
		Body:  strings.NewReader(indexMapping),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("create index %s: %w", i.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %s: %s", i.index, res.Status())
	}
	i.logger.Info("analytics index created", nil)
	return nil
}

func (i *Indexer) IndexSendLog(ctx context.Context, l *models.SendLog) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode send log %s: %w", l.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: l.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("index send log %s: %w", l.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index send log %s: %s", l.ID, res.Status())
	}
	return nil
}
