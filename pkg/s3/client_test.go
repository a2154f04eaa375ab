package s3

import (
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	tcs := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "no such key",
			err:  &smithy.GenericAPIError{Code: "NoSuchKey"},
			want: true,
		},
		{
			name: "wrapped not found",
			err:  fmt.Errorf("download: %w", &smithy.GenericAPIError{Code: "NotFound"}),
			want: true,
		},
		{
			name: "access denied",
			err:  &smithy.GenericAPIError{Code: "AccessDenied"},
			want: false,
		},
		{
			name: "not an api error",
			err:  fmt.Errorf("connection refused"),
			want: false,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNotFound(tc.err))
		})
	}
}

func TestIsAccessDenied(t *testing.T) {
	assert.True(t, IsAccessDenied(fmt.Errorf("list: %w", &smithy.GenericAPIError{Code: "AccessDenied"})))
	assert.False(t, IsAccessDenied(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, IsAccessDenied(fmt.Errorf("connection refused")))
}

func TestConfigValidate(t *testing.T) {
	c := Config{Region: "us-east-1", Bucket: "models"}
	assert.NoError(t, c.Validate())

	c = Config{Bucket: "models"}
	assert.Error(t, c.Validate())

	c = Config{Region: "us-east-1"}
	assert.Error(t, c.Validate())
}
