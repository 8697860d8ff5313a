package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

func Print(w io.Writer, role string) {
	banner := `
       __     __
  ____/ /__  / /___ ___  ______ _
 / __  / _ \/ / __ ` + "`" + `/ / / / __ ` + "`" + `/
/ /_/ /  __/ / /_/ / /_/ / /_/ /
\__,_/\___/_/\__,_/\__, /\__, /
                  /____/   /_/  v%s - %s
    `
	fmt.Fprintf(w, banner, Version, role)
	fmt.Fprintln(w, "\n------------------------------------------------")
}
