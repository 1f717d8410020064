package service

import (
	"context"
	"fmt"
	"io"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/storage"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

// HandleIncomingFile stores a file produced by a job in its result folder. Archives
// matching the archive policy are unpacked next to the upload.
func (s *JobService) HandleIncomingFile(ctx context.Context, principal auth.Principal, jobID string, relativePath string, length int64, r io.Reader) error {
	tracer := s.logger.WithContext(ctx).
		Operation("incoming_file").
		WithString("job_id", jobID).
		WithString("path", relativePath).
		Build()

	job, granted, err := s.jobFor(ctx, principal, jobID, model.PermissionRead)
	if err != nil {
		return err
	}
	if !hasPermission(granted, model.PermissionEdit) && !hasPermission(granted, model.PermissionProvider) {
		return NewErrForbidden(fmt.Sprintf("no write access to job %s", jobID))
	}

	if job.OutputFolder == nil {
		if err := s.initResultFolder(ctx, job); err != nil {
			tracer.Error(err).Log()
			return err
		}
	}

	target := storage.Join(*job.OutputFolder, relativePath)
	if err := s.files.SimpleUpload(ctx, target, length, r); err != nil {
		tracer.Error(err).Log()
		return err
	}
	tracer.Step("uploaded").WithString("target", target).Log()

	if s.settings.extractArchives && s.archives.Matches(relativePath) {
		if err := s.files.Extract(ctx, target); err != nil {
			// the upload itself is kept
			tracer.Step("extract_failed").WithParam("error", err).Log()
			return nil
		}
		tracer.Step("extracted").Log()
	}

	tracer.Success().Log()
	return nil
}
