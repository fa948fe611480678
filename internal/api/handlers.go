package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/middleware"
)

// handleHealth reports store reachability and hub occupancy
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["store_error"] = err.Error()
	}
	if s.deps.Hub != nil {
		body["notifications"] = s.deps.Hub.Stats()
	}
	if s.deps.CacheStats != nil {
		body["formulary_cache"] = s.deps.CacheStats.Stats()
	}

	c.JSON(status, body)
}

// handleSubmitClaim records a new pending claim
func (s *Server) handleSubmitClaim(c *gin.Context) {
	ctx := c.Request.Context()

	var sub domain.ClaimSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, domain.NewAPIError(
			domain.ErrInvalidInput, "Invalid claim submission", err.Error(), c.GetString(middleware.CorrelationIDKey)))
		return
	}
	if err := sub.Validate(); err != nil {
		s.respondError(c, err)
		return
	}

	if _, err := s.deps.Members.GetMember(ctx, sub.EncounterToken); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.NewValidationError("encounter_token", domain.ReasonMemberNotFound, sub.EncounterToken)
		}
		s.respondError(c, err)
		return
	}

	claim := sub.ToClaim(time.Now())
	if err := s.deps.Store.Insert(ctx, claim); err != nil {
		s.respondError(c, err)
		return
	}

	if s.deps.Hub != nil {
		if err := s.deps.Hub.Notify(ctx, claim.UserID, domain.StatusPending); err != nil {
			s.logger.WithError(err).WithField("encounter_token", claim.EncounterToken).Warn("Pending notification failed")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"encounter_token": claim.EncounterToken,
		"user_id":         claim.UserID,
		"diagnosis_code":  claim.DiagnosisCode,
	}).Info("Claim submitted")

	c.JSON(http.StatusCreated, claim)
}

func (s *Server) handleGetClaim(c *gin.Context) {
	claim, err := s.deps.Store.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

// handleListClaims lists claims filtered by status and user
func (s *Server) handleListClaims(c *gin.Context) {
	filter := domain.ClaimFilter{UserID: c.Query("user_id")}

	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseClaimStatus(raw)
		if err != nil {
			s.respondError(c, err)
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, filter.Offset, err = pagination(c); err != nil {
		s.respondError(c, err)
		return
	}

	claims, err := s.deps.Store.ListByStatus(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
}

func (s *Server) handleListDiagnoses(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	diagnoses, err := s.deps.Formulary.ListDiagnoses(c.Request.Context(), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diagnoses": diagnoses, "count": len(diagnoses)})
}

func (s *Server) handleGetDiagnosis(c *gin.Context) {
	d, err := s.deps.Formulary.GetDiagnosis(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleCreateDiagnosis(c *gin.Context) {
	s.saveDiagnosis(c, "", http.StatusCreated)
}

func (s *Server) handleUpdateDiagnosis(c *gin.Context) {
	s.saveDiagnosis(c, c.Param("code"), http.StatusOK)
}

// saveDiagnosis upserts the body. A non-empty pathCode must match the body's code.
func (s *Server) saveDiagnosis(c *gin.Context, pathCode string, status int) {
	var d domain.Diagnosis
	if err := c.ShouldBindJSON(&d); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, domain.NewAPIError(
			domain.ErrInvalidInput, "Invalid diagnosis", err.Error(), c.GetString(middleware.CorrelationIDKey)))
		return
	}
	if pathCode != "" {
		if d.Code == "" {
			d.Code = pathCode
		}
		if d.Code != pathCode {
			s.respondError(c, domain.NewValidationError("code", "code does not match the URL", d.Code))
			return
		}
	}
	if err := d.Validate(); err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.deps.Formulary.SaveDiagnosis(c.Request.Context(), &d); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"diagnosis_code": d.Code,
		"treatments":     len(d.Treatments),
	}).Info("Formulary entry saved")

	c.JSON(status, d)
}

func (s *Server) handleDeleteDiagnosis(c *gin.Context) {
	code := c.Param("code")
	if err := s.deps.Formulary.DeleteDiagnosis(c.Request.Context(), code); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.WithField("diagnosis_code", code).Info("Formulary entry deleted")
	c.Status(http.StatusNoContent)
}

// handleProcess runs one processing cycle now
func (s *Server) handleProcess(c *gin.Context) {
	if s.deps.Processor == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, domain.NewAPIError(
			domain.ErrInternalServer, "Processing is disabled in this process", "", c.GetString(middleware.CorrelationIDKey)))
		return
	}

	result, err := s.deps.Processor.Trigger(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func pagination(c *gin.Context) (limit, offset int, err error) {
	if limit, err = queryInt(c, "limit", 100); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(c, "offset", 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.NewValidationError(key, fmt.Sprintf("%s must be a non-negative integer", key), raw)
	}
	return v, nil
}
