package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/reliability"
)

// BackupJob creates the nightly local backup archive.
type BackupJob struct {
	backups *reliability.BackupService
	log     zerolog.Logger
}

// NewBackupJob creates the local backup job.
func NewBackupJob(backups *reliability.BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name.
func (j *BackupJob) Name() string {
	return "backup"
}

// Run creates one backup archive.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	_, err := j.backups.Run(ctx)
	return err
}

// S3BackupJob ships the newest local archive offsite. Scheduled an hour
// after BackupJob so there is always a fresh archive to upload. Only
// registered when offsite backups are enabled.
type S3BackupJob struct {
	offsite *reliability.S3BackupService
	log     zerolog.Logger
}

// NewS3BackupJob creates the offsite upload job.
func NewS3BackupJob(offsite *reliability.S3BackupService, log zerolog.Logger) *S3BackupJob {
	return &S3BackupJob{
		offsite: offsite,
		log:     log.With().Str("job", "s3_backup").Logger(),
	}
}

// Name returns the job name.
func (j *S3BackupJob) Name() string {
	return "s3_backup"
}

// Run uploads the newest archive and rotates the bucket.
func (j *S3BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	return j.offsite.UploadLatest(ctx)
}
