// Package scheduler 按 cron 计划周期性提交扫描任务。
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"divscan/internal/logger"
	"divscan/internal/scan"
)

// Scheduler 定时向扫描服务提交任务。上一轮任务未结束时跳过本轮，
// 避免在行情源限频下堆积请求。
type Scheduler struct {
	cron   *cron.Cron
	svc    *scan.Service
	spec   string
	params scan.Params

	mu     sync.Mutex
	lastID string
}

// New 注册定时扫描。spec 为 6 段 cron 表达式（含秒），也接受
// @every 之类的描述符。
func New(svc *scan.Service, spec string, params scan.Params) (*Scheduler, error) {
	if svc == nil {
		return nil, errors.New("scan service 不能为空")
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		svc:    svc,
		spec:   spec,
		params: params,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("注册定时扫描失败: %w", err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Infof("[scheduler] 定时扫描已启动: %s", s.spec)
}

// Stop 停止调度并等待已触发的任务提交完成。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Infof("[scheduler] 定时扫描已停止")
}

// RunNow 立即触发一轮，与到点触发走同一条路径。
func (s *Scheduler) RunNow() { s.tick() }

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastID != "" {
		if job, ok := s.svc.JobSnapshot(s.lastID); ok {
			if job.Status == scan.JobStatusPending || job.Status == scan.JobStatusRunning {
				logger.Warnf("[scheduler] 上一轮扫描尚未结束，跳过本轮")
				return
			}
		}
	}

	job, err := s.svc.SubmitScan(s.params)
	if err != nil {
		logger.Errorf("[scheduler] 提交扫描失败: %v", err)
		return
	}
	s.lastID = job.ID
	logger.Infof("[scheduler] 已提交定时扫描 %s", job.ID)
}
