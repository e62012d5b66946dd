package task_test

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hive/internal/task"
	"github.com/mattjoyce/hive/internal/task/mocks"
)

func TestResolveAwaitsPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pending := mocks.NewMockPending(ctrl)
	pending.EXPECT().Await(gomock.Any()).Return("done", nil)

	tk := mocks.NewMockTask(ctrl)
	tk.EXPECT().Run(gomock.Any(), gomock.Any()).Return(pending, nil)

	v, err := task.Resolve(context.Background(), tk, task.Env{})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestResolvePropagatesRunError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tk := mocks.NewMockTask(ctrl)
	tk.EXPECT().Run(gomock.Any(), gomock.Any()).Return(nil, errors.New("run failed"))

	_, err := task.Resolve(context.Background(), tk, task.Env{})
	assert.EqualError(t, err, "run failed")
}
