package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trial-scout/config"
	"trial-scout/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client erstellt einen S3-Client für das Snapshot-Archiv.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.SnapshotS3URL,
				SigningRegion:     cfg.SnapshotS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.SnapshotS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.SnapshotS3Key, cfg.SnapshotS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// UploadFile lädt eine Datei ins S3 hoch und gibt den Link zurück.
func UploadFile(client *s3.Client, bucket, key string, data []byte, cfg *config.Config) (string, error) {
	_, err := client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	link := fmt.Sprintf("%s/%s/%s", cfg.SnapshotS3URL, bucket, key)
	return link, nil
}

// ArchiveProvenance legt die Provenance eines Match-Requests als JSON-Snapshot
// im Archiv ab, gekeyt über Datum und Request-ID. Audits können damit jede
// Ranking-Entscheidung nachvollziehen.
func ArchiveProvenance(client *s3.Client, cfg *config.Config, prov models.MatchProvenance) (string, error) {
	data, err := json.MarshalIndent(prov, "", "  ")
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("provenance/%s/%s.json",
		prov.GeneratedAt.UTC().Format("2006-01-02"), prov.RequestID)
	return UploadFile(client, cfg.SnapshotS3Bucket, key, data, cfg)
}

// ArchiveSnapshot legt einen beliebigen Export (z.B. Tagging-Lauf-Statistiken)
// mit Zeitstempel-Key ab.
func ArchiveSnapshot(client *s3.Client, cfg *config.Config, prefix string, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%s.json", prefix, time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	return UploadFile(client, cfg.SnapshotS3Bucket, key, data, cfg)
}
