package repository

import "testing"

func TestCanTransition_ForwardOnly(t *testing.T) {
	cases := []struct {
		from UploadStatus
		to   UploadStatus
		want bool
	}{
		{UploadStatusPendingValidation, UploadStatusUploading, true},
		{UploadStatusPendingValidation, UploadStatusValidationFailed, true},
		{UploadStatusUploading, UploadStatusUploaded, true},
		{UploadStatusUploading, UploadStatusValidationFailed, true},
		{UploadStatusUploaded, UploadStatusDeletionScheduled, true},
		{UploadStatusDeletionScheduled, UploadStatusDeleted, true},
		// 禁止回退
		{UploadStatusUploaded, UploadStatusPendingValidation, false},
		{UploadStatusUploaded, UploadStatusUploading, false},
		{UploadStatusDeletionScheduled, UploadStatusUploaded, false},
		// deleted 为终态
		{UploadStatusDeleted, UploadStatusUploaded, false},
		{UploadStatusDeleted, UploadStatusDeletionScheduled, false},
		// 不允许跳级删除
		{UploadStatusPendingValidation, UploadStatusDeleted, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
