package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/fgeck/droidbackup/internal/models"
)

// Settings touched by input injection during a task, restored afterwards.
var deviceSettings = []struct{ namespace, key string }{
	{"secure", "default_input_method"},
	{"secure", "enabled_input_methods"},
	{"secure", "enabled_accessibility_services"},
	{"secure", "accessibility_enabled"},
}

// taskRun is the mutable state of one task.
type taskRun struct {
	*Impl
	op     models.OpType
	target models.TargetType
	// bg outlives cancellation so an aborted task is still recorded.
	bg          context.Context
	task        *models.Task
	dest        *destination
	pre         []*models.ProcessingInfo
	post        []*models.ProcessingInfo
	failedItems []string

	screenTimeout int
	settings      map[string]string
	deviceSaved   bool
}

func (r *taskRun) saveTask() error {
	if err := r.store.UpsertTask(r.bg, r.task); err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

func (r *taskRun) createProcessingInfos() error {
	newInfo := func(typ models.ProcessingType, infoType models.ProcessingInfoType, title string) (*models.ProcessingInfo, error) {
		info := &models.ProcessingInfo{TaskID: r.task.ID, Type: typ, InfoType: infoType, Info: models.NewInfo(title)}
		if err := r.store.UpsertProcessingInfo(r.bg, info); err != nil {
			return nil, fmt.Errorf("creating %s: %w", infoType, err)
		}
		return info, nil
	}

	info, err := newInfo(models.Preprocessing, models.InfoNecessaryPreparations, "Necessary preparations")
	if err != nil {
		return err
	}
	r.pre = append(r.pre, info)

	post := []struct {
		infoType models.ProcessingInfoType
		title    string
	}{
		{models.InfoNecessaryRemainingData, "Necessary remaining data processing"},
	}
	if r.op == models.OpBackup {
		post = append([]struct {
			infoType models.ProcessingInfoType
			title    string
		}{
			{models.InfoBackupItself, "Backup itself"},
			{models.InfoSaveConfigs, "Save configs"},
			{models.InfoSaveNetworks, "Save networks"},
		}, post...)
	}
	for _, p := range post {
		info, err := newInfo(models.PostProcessing, p.infoType, p.title)
		if err != nil {
			return err
		}
		r.post = append(r.post, info)
	}
	return nil
}

func (r *taskRun) postInfo(infoType models.ProcessingInfoType) *models.ProcessingInfo {
	for i, info := range r.post {
		if info.InfoType == infoType {
			r.task.PostProcessingIndex = i
			return info
		}
	}
	return nil
}

// step runs fn as one processing info. fn returns the terminal state and a log line.
func (r *taskRun) step(ctx context.Context, info *models.ProcessingInfo, fn func() (models.OperationState, string)) error {
	info.State = models.StateProcessing
	if err := r.saveInfo(info); err != nil {
		return err
	}
	if err := r.saveTask(); err != nil {
		return err
	}

	state, log := fn()
	if err := ctx.Err(); err != nil {
		return err
	}
	info.State = state
	info.Log = log
	info.Progress = 1
	r.logger.Debug().Str("step", string(info.InfoType)).Str("state", string(state)).Str("log", log).Msg("processing step finished")
	return r.saveInfo(info)
}

func (r *taskRun) saveInfo(info *models.ProcessingInfo) error {
	if err := r.store.UpsertProcessingInfo(r.bg, info); err != nil {
		return fmt.Errorf("saving %s: %w", info.InfoType, err)
	}
	return nil
}

func (r *taskRun) preprocess(ctx context.Context) error {
	r.task.PreprocessingIndex = 0
	return r.step(ctx, r.pre[0], func() (models.OperationState, string) {
		if r.cfg.Backup.AutoScreenOff {
			r.screenTimeout = r.root.GetScreenOffTimeout(ctx)
			r.root.SetScreenOffTimeout(ctx, math.MaxInt32)
		}
		r.settings = make(map[string]string, len(deviceSettings))
		for _, st := range deviceSettings {
			r.settings[st.namespace+"/"+st.key] = r.root.GetSetting(ctx, st.namespace, st.key)
		}
		r.deviceSaved = true
		if r.cfg.Backup.AutoScreenOff {
			r.root.SetDisplayPowerMode(ctx, models.PowerModeOff)
		}
		return models.StateDone, ""
	})
}

// restoreDevice puts back what preprocess changed. It runs at most once.
func (r *taskRun) restoreDevice(ctx context.Context) {
	if !r.deviceSaved {
		return
	}
	r.deviceSaved = false
	for _, st := range deviceSettings {
		if v := r.settings[st.namespace+"/"+st.key]; v != "" {
			r.root.PutSetting(ctx, st.namespace, st.key, v)
		}
	}
	if r.cfg.Backup.AutoScreenOff {
		r.root.SetScreenOffTimeout(ctx, r.screenTimeout)
		r.root.SetDisplayPowerMode(ctx, models.PowerModeNormal)
	}
}

func (r *taskRun) postprocess(ctx context.Context, j job) error {
	if j.save != nil {
		if err := j.save(ctx, r); err != nil {
			return err
		}
	}

	return r.step(ctx, r.postInfo(models.InfoNecessaryRemainingData), func() (models.OperationState, string) {
		r.restoreDevice(ctx)
		if !r.resetList() || r.task.FailureCount != 0 {
			return models.StateDone, ""
		}
		if err := j.reset(r.bg); err != nil {
			return models.StateError, err.Error()
		}
		return models.StateDone, "Activated list cleared"
	})
}

func (r *taskRun) resetList() bool {
	if r.op == models.OpBackup {
		return r.cfg.Backup.ResetList
	}
	return r.cfg.Restore.ResetList
}

// settle moves a partition to its terminal state unless the task was cancelled,
// in which case it stays where it is.
func (r *taskRun) settle(ctx context.Context, dt models.DataType, info *models.Info, state models.OperationState, log string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info.State = state
	if log != "" {
		info.Log = log
	}
	info.Progress = 1
	r.metrics.Partition(string(r.op), string(dt), string(state))
	return nil
}
