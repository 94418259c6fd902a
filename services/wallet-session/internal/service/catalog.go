package service

import (
	"context"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
)

// Uploader sends a file to the backend
type Uploader interface {
	Upload(ctx context.Context, token, filename string, content io.Reader) (*domain.UploadResult, error)
}

// Catalog serves course listings and uploads. Its errors go back to the
// caller only and never touch the session.
type Catalog struct {
	courses  domain.CourseAPI
	uploader Uploader
	session  SessionReader
	logger   *logging.Logger
}

func NewCatalog(courses domain.CourseAPI, uploader Uploader, session SessionReader, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Default()
	}
	return &Catalog{
		courses:  courses,
		uploader: uploader,
		session:  session,
		logger:   logger.WithField("component", "catalog"),
	}
}

func (c *Catalog) ListCourses(ctx context.Context) ([]domain.Course, error) {
	courses, err := c.courses.ListCourses(ctx)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("failed to list courses")
		return nil, err
	}
	if courses == nil {
		courses = []domain.Course{}
	}
	return courses, nil
}

// CourseDetail fetches one course. Ids that are not positive integers are
// rejected without calling the backend.
func (c *Catalog) CourseDetail(ctx context.Context, id string) (*domain.Course, error) {
	id = strings.TrimSpace(id)
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return nil, apperrors.InvalidInput("id", "must be a positive integer").WithCause(domain.ErrInvalidCourseID)
	}
	course, err := c.courses.CourseDetail(ctx, id)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("course_id", id).Warn("failed to load course")
		return nil, err
	}
	return course, nil
}

// minDescriptionLen is the shortest course description accepted
const minDescriptionLen = 50

// CreateCourse validates draft and submits it for review, authenticated with
// the session token when one exists. An empty level means beginner.
func (c *Catalog) CreateCourse(ctx context.Context, draft domain.CourseDraft) (map[string]interface{}, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	draft.Level = strings.ToLower(strings.TrimSpace(draft.Level))
	draft.ImageID = strings.TrimSpace(draft.ImageID)
	draft.VideoID = strings.TrimSpace(draft.VideoID)
	if draft.Level == "" {
		draft.Level = domain.LevelBeginner
	}

	switch {
	case draft.Title == "":
		return nil, apperrors.InvalidInput("title", "must not be empty")
	case utf8.RuneCountInString(draft.Description) < minDescriptionLen:
		return nil, apperrors.InvalidInput("description", "must be at least 50 characters")
	case !(draft.Price > 0):
		return nil, apperrors.InvalidInput("price", "must be greater than 0")
	case !(draft.Duration > 0):
		return nil, apperrors.InvalidInput("duration", "must be greater than 0")
	case draft.ImageID == "":
		return nil, apperrors.InvalidInput("imageId", "upload a cover image first")
	case draft.VideoID == "":
		return nil, apperrors.InvalidInput("videoId", "upload a course video first")
	}
	switch draft.Level {
	case domain.LevelBeginner, domain.LevelIntermediate, domain.LevelAdvanced, domain.LevelAllLevels:
	default:
		return nil, apperrors.InvalidInput("level", "unknown level "+draft.Level)
	}

	var token string
	if c.session != nil {
		token = c.session.Snapshot().SessionToken
	}
	res, err := c.courses.CreateCourse(ctx, token, draft)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("title", draft.Title).Warn("course submission failed")
		return nil, err
	}
	c.logger.WithContext(ctx).WithField("title", draft.Title).Info("course submitted for review")
	return res, nil
}

// UploadFile forwards a file, authenticated with the session token when one exists
func (c *Catalog) UploadFile(ctx context.Context, filename string, r io.Reader) (*domain.UploadResult, error) {
	if r == nil {
		return nil, apperrors.InvalidInput("file", domain.ErrNoFile.Error()).WithCause(domain.ErrNoFile)
	}
	var token string
	if c.session != nil {
		token = c.session.Snapshot().SessionToken
	}
	res, err := c.uploader.Upload(ctx, token, filename, r)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("filename", filename).Warn("file upload failed")
		return nil, err
	}
	return res, nil
}
