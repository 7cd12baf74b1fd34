package status

import (
	"apexhv/internal/hypervisor"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/response"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// Health is the /healthz payload.
type Health struct {
	Status     string     `json:"status"`
	Started    string     `json:"started"`
	Partitions int        `json:"partitions"`
	Running    int        `json:"running"`
	Frame      uint64     `json:"frame"`
	Host       *HostStats `json:"host,omitempty"`
}

// Overview is the /api/v1/partitions payload.
type Overview struct {
	Schedule   hypervisor.ScheduleView    `json:"schedule"`
	Partitions []hypervisor.PartitionView `json:"partitions"`
}

func (s *Server) health(c *gin.Context) {
	parts := s.source.Partitions()
	running := 0
	for _, p := range parts {
		if p.Runtime != nil && p.Runtime.Running {
			running++
		}
	}
	out := Health{
		Status:     "ok",
		Started:    humanize.Time(s.started),
		Partitions: len(parts),
		Running:    running,
		Frame:      s.source.Schedule().Frame,
	}
	if running == 0 && len(parts) > 0 {
		out.Status = "degraded"
	}
	if stats, err := s.host.Stats(c.Request.Context()); err == nil {
		out.Host = stats
	}
	response.Success(c, out)
}

func (s *Server) partitions(c *gin.Context) {
	response.Success(c, Overview{
		Schedule:   s.source.Schedule(),
		Partitions: s.source.Partitions(),
	})
}

func (s *Server) partition(c *gin.Context) {
	name := c.Param("name")
	for _, p := range s.source.Partitions() {
		if p.Name == name {
			response.Success(c, p)
			return
		}
	}
	response.Error(c, apperrors.Newf(apperrors.PartitionUnknown, "unknown partition %q", name))
}

func (s *Server) channels(c *gin.Context) {
	response.Success(c, s.source.Channels())
}

func (s *Server) schedule(c *gin.Context) {
	response.Success(c, s.source.Schedule())
}
