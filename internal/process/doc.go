// Package process starts language server processes and tracks them until
// they exit.
//
// A Supervisor owns every server it starts. Each server gets piped stdio so
// the caller can speak the wire protocol over it:
//
//	sup := process.NewSupervisor()
//	defer sup.Shutdown(5 * time.Second)
//
//	cmd := exec.Command("rust-analyzer")
//	cmd.Dir = root
//	proc, err := sup.Start("rust", cmd)
//	if err != nil {
//	    return err
//	}
//
//	// ... talk to proc.Stdin / proc.Stdout ...
//
//	// Close stdin, then SIGTERM and SIGKILL two seconds apart.
//	err = sup.Stop(proc.ID, 2*time.Second)
//
// Both Supervisor and Process are safe for concurrent use.
package process
