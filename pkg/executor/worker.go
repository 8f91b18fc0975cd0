package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// ServeWorker runs the worker side of the process strategy on r and w,
// normally the process's stdin and stdout. It returns nil when r is closed.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	in := bufio.NewReader(r)
	out := bufio.NewWriter(w)

	var req request
	if err := readFrame(in, &req); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if req.Spec == nil {
		return fmt.Errorf("first frame must carry an operation spec")
	}

	op, err := Build(*req.Spec)
	if err != nil {
		_ = send(out, response{Error: err.Error()})
		return err
	}
	if err := send(out, response{Ready: true}); err != nil {
		return err
	}

	for {
		var req request
		if err := readFrame(in, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if req.Job == nil {
			return fmt.Errorf("expected a job frame")
		}

		result := apply(ctx, op, *req.Job)
		if err := send(out, response{Result: &result}); err != nil {
			return err
		}
	}
}

func send(w *bufio.Writer, resp response) error {
	if err := writeFrame(w, resp); err != nil {
		return err
	}
	return w.Flush()
}
