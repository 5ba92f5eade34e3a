package jobs

import (
	"encoding/json"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/queue"
)

func encodeTask(task queue.IngestTask) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "encode task envelope", err)
	}
	return body, nil
}

func decodeTask(body []byte, task *queue.IngestTask) error {
	if err := json.Unmarshal(body, task); err != nil {
		return apierr.Wrap(apierr.Validation, "decode task envelope", err)
	}
	return nil
}

func marshalErrors(errs []model.JobError) (string, error) {
	if errs == nil {
		errs = []model.JobError{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "marshal job errors", err)
	}
	return string(b), nil
}
