/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package filesync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
)

const objectTimeout = 30 * time.Second

type ObjectInfo struct {
	Key  string
	ETag string
	Size int64
}

// ObjectStore is the content store behind workspace trees and user dotfiles.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type S3Store struct {
	api      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Store builds the pooled S3 client from configuration and ensures the
// bucket exists.
func NewS3Store(ctx context.Context) (*S3Store, error) {
	cfg := &aws.Config{
		Region:           aws.String(config.GetS3Region()),
		S3ForcePathStyle: aws.Bool(config.IsS3ForcePathStyle()),
	}
	if endpoint := config.GetS3Endpoint(); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey := config.GetS3AccessKey(); accessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, config.GetS3SecretKey(), "")
	}
	newSession, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	store := &S3Store{
		api:      s3.New(newSession),
		uploader: s3manager.NewUploader(newSession),
		bucket:   config.GetS3Bucket(),
	}
	if err = store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	klog.Infof("init s3 store successfully, bucket: %s", store.bucket)
	return store, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, objectTimeout)
	defer cancel()
	_, err := s.api.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.api.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil && strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
		return nil
	}
	return err
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, objectTimeout)
	defer cancel()
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, objectTimeout)
	defer cancel()
	rsp, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	return io.ReadAll(rsp.Body)
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	err := s.api.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, object := range page.Contents {
				result = append(result, ObjectInfo{
					Key:  aws.StringValue(object.Key),
					ETag: strings.Trim(aws.StringValue(object.ETag), `"`),
					Size: aws.Int64Value(object.Size),
				})
			}
			return true
		})
	return result, err
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, objectTimeout)
	defer cancel()
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, object := range objects {
		if err = s.Delete(ctx, object.Key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", object.Key, err)
		}
	}
	return nil
}

// FakeObjectStore is the in-memory store used by tests.
type FakeObjectStore struct {
	mu      sync.Mutex
	Objects map[string][]byte

	PutErrs map[string]error
	GetErrs map[string]error
}

func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{
		Objects: map[string][]byte{},
		PutErrs: map[string]error{},
		GetErrs: map[string]error{},
	}
}

func (f *FakeObjectStore) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PutErrs[key]; err != nil {
		return err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	f.Objects[key] = copied
	return nil
}

func (f *FakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetErrs[key]; err != nil {
		return nil, err
	}
	data, ok := f.Objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

func (f *FakeObjectStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []ObjectInfo
	for key, data := range f.Objects {
		if strings.HasPrefix(key, prefix) {
			sum := md5.Sum(data)
			result = append(result, ObjectInfo{
				Key:  key,
				ETag: hex.EncodeToString(sum[:]),
				Size: int64(len(data)),
			})
		}
	}
	return result, nil
}

func (f *FakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Objects, key)
	return nil
}

func (f *FakeObjectStore) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.Objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.Objects, key)
		}
	}
	return nil
}
