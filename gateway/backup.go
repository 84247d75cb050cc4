// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3SinkConfig configures the optional offsite copy of each snapshot.
type S3SinkConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether an offsite sink is configured.
func (c S3SinkConfig) Enabled() bool {
	return c.Bucket != ""
}

// BackupResult describes one completed snapshot.
type BackupResult struct {
	Filename  string         `json:"filename"`
	Tables    map[string]int `json:"tables"`
	SizeBytes int64          `json:"size_bytes"`
	Offsite   bool           `json:"offsite"`
	CreatedAt string         `json:"created_at"`
}

// BackupInfo is one listed snapshot file.
type BackupInfo struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// s3Putter is the slice of the S3 client the sink needs; tests stub it.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BackupService exports every persistence table to a JSON snapshot under
// DATA_DIR/backups, optionally mirrored to an S3-compatible bucket. Sink
// failures never fail the backup; the local file is the primary copy.
type BackupService struct {
	store   *Store
	dataDir string
	sink    S3SinkConfig

	s3Client s3Putter
}

// NewBackupService creates the exporter. The S3 client is built lazily on
// the first offsite upload so a misconfigured sink does not block startup.
func NewBackupService(store *Store, dataDir string, sink S3SinkConfig) *BackupService {
	return &BackupService{store: store, dataDir: dataDir, sink: sink}
}

// Create snapshots all tables into one JSON document.
func (bs *BackupService) Create(ctx context.Context) (*BackupResult, error) {
	snapshot := make(map[string][]map[string]interface{}, len(gatewayTables))
	counts := make(map[string]int, len(gatewayTables))

	for _, table := range gatewayTables {
		rows, err := bs.dumpTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to dump table %s: %w", table, err)
		}
		snapshot[table] = rows
		counts[table] = len(rows)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup: %w", err)
	}

	backupDir := filepath.Join(bs.dataDir, "backups")
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("backup-%s.json", now.Format("20060102-150405"))
	if err := os.WriteFile(filepath.Join(backupDir, filename), payload, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write backup file: %w", err)
	}

	result := &BackupResult{
		Filename:  filename,
		Tables:    counts,
		SizeBytes: int64(len(payload)),
		CreatedAt: now.Format(time.RFC3339),
	}

	if bs.sink.Enabled() {
		if err := bs.uploadOffsite(ctx, filename, payload); err != nil {
			backupLog.Error("", "Offsite backup upload failed", map[string]interface{}{
				"bucket": bs.sink.Bucket,
				"error":  err.Error(),
			})
		} else {
			result.Offsite = true
		}
	}

	backupLog.Info("", "Backup created", map[string]interface{}{
		"filename":   filename,
		"size_bytes": result.SizeBytes,
		"offsite":    result.Offsite,
	})

	return result, nil
}

// List returns the snapshots on disk, newest first.
func (bs *BackupService) List() ([]BackupInfo, error) {
	backupDir := filepath.Join(bs.dataDir, "backups")
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "backup-") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Filename > backups[j].Filename })
	return backups, nil
}

// dumpTable reads every row of a table into generic maps. Table names come
// from the fixed gatewayTables list, never from input.
func (bs *BackupService) dumpTable(ctx context.Context, table string) ([]map[string]interface{}, error) {
	rows, err := bs.store.db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func (bs *BackupService) uploadOffsite(ctx context.Context, filename string, payload []byte) error {
	client, err := bs.offsiteClient(ctx)
	if err != nil {
		return err
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bs.sink.Bucket),
		Key:         aws.String("backups/" + filename),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (bs *BackupService) offsiteClient(ctx context.Context) (s3Putter, error) {
	if bs.s3Client != nil {
		return bs.s3Client, nil
	}

	region := bs.sink.Region
	if region == "" {
		region = "us-east-1"
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	// Explicit credentials win; otherwise the default chain applies.
	if bs.sink.AccessKeyID != "" && bs.sink.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(bs.sink.AccessKeyID, bs.sink.SecretAccessKey, "")
		optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if bs.sink.Endpoint != "" {
		// MinIO and R2 need path-style addressing with a custom endpoint.
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(bs.sink.Endpoint)
			o.UsePathStyle = true
		})
	}

	bs.s3Client = s3.NewFromConfig(awsCfg, s3Options...)
	return bs.s3Client, nil
}
